package project

import "time"

type Project struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	WorkingDir  string    `yaml:"workingDir" json:"workingDir"`
	Description string    `yaml:"description" json:"description"`
	CreatedAt   time.Time `yaml:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time `yaml:"updatedAt" json:"updatedAt"`
}
