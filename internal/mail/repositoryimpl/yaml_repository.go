package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/maestro/internal/mail"
	"github.com/kazz187/maestro/pkg/cerr"
	"github.com/kazz187/maestro/pkg/storage"
)

const mailsPrefix = "mails"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", mailsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, m *mail.Mail) error {
	exists, err := r.storage.Exists(ctx, path(m.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("mail", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "mail already exists", nil)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal mail: %w", err))
	}
	if err := r.storage.Write(ctx, path(m.ID), data); err != nil {
		return cerr.WrapStorageWriteError("mail", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*mail.Mail, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("mail", err)
	}
	var m mail.Mail
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal mail: %w", err))
	}
	return &m, nil
}

func (r *YAMLRepository) List(ctx context.Context, filter mail.ListFilter) ([]*mail.Mail, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*mail.Mail
	for _, m := range all {
		if filter.ProjectID != "" && m.ProjectID != filter.ProjectID {
			continue
		}
		if filter.SessionID != "" && !m.VisibleTo(filter.SessionID) {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && !m.CreatedAt.After(filter.Since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *YAMLRepository) Replies(ctx context.Context, mailID string) ([]*mail.Mail, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*mail.Mail
	for _, m := range all {
		if m.ReplyToMailID != nil && *m.ReplyToMailID == mailID {
			out = append(out, m)
		}
	}
	return out, nil
}

// readAll returns every mail in id order. Mail ids are ULIDs, so id order
// is send order.
func (r *YAMLRepository) readAll(ctx context.Context) ([]*mail.Mail, error) {
	paths, err := r.storage.List(ctx, mailsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("mails", err)
	}

	sort.Strings(paths)

	var all []*mail.Mail
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var m mail.Mail
		if err := yaml.Unmarshal(data, &m); err != nil {
			continue
		}
		all = append(all, &m)
	}
	return all, nil
}
