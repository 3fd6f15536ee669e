package pushsubscription

import "time"

type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dhKey" json:"p256dhKey"`
	AuthKey   string    `yaml:"authKey" json:"authKey"`
	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`
}
