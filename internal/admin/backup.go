package admin

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/crypto/backupseal"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// BackupVersion is the document version written by ExportBackup.
const BackupVersion = 1

// Backup is a best-effort snapshot of a tenant. It is assembled from
// independent reads and is not transactional.
type Backup struct {
	Version     int                                 `json:"version"`
	Tenant      string                              `json:"tenant"`
	ExportedAt  int64                               `json:"exportedAt"`
	ExportedBy  string                              `json:"exportedBy"`
	Settings    model.ServerSettings                `json:"settings"`
	Users       []model.Identity                    `json:"users"`
	Rooms       map[string]model.Room               `json:"rooms"`
	Messages    map[string]map[string]model.Message `json:"messages"`
	InviteCodes map[string]model.InviteCode         `json:"inviteCodes,omitempty"`
	Forum       map[string]model.ForumPost          `json:"forum,omitempty"`
}

// Format selects the backup encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ExportOptions control ExportBackup.
type ExportOptions struct {
	Format Format
	// Passphrase, when set, seals the document with backupseal.
	Passphrase string
	// IncludeDigests keeps credential digests in the document.
	IncludeDigests bool
}

// Collect reads a Backup straight from the store.
func (s *Service) Collect(ctx context.Context, tenant string) (Backup, error) {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return Backup{}, err
	}
	b := Backup{
		Tenant:   tenant,
		Settings: model.DefaultSettings(),
		Rooms:    map[string]model.Room{},
		Messages: map[string]map[string]model.Message{},
	}
	if b.Users, err = s.identities(ctx); err != nil {
		return Backup{}, err
	}

	err = s.children(ctx, "rooms", func(key string, raw []byte) error {
		var r model.Room
		if err := codec.Unmarshal(raw, &r); err != nil {
			return err
		}
		b.Rooms[key] = r
		return nil
	})
	if err != nil {
		return Backup{}, err
	}
	for roomID := range b.Rooms {
		err := s.children(ctx, store.Join("msgs", roomID), func(key string, raw []byte) error {
			m, err := model.DecodeMessage(roomID, key, raw)
			if err != nil {
				return err
			}
			if b.Messages[roomID] == nil {
				b.Messages[roomID] = map[string]model.Message{}
			}
			b.Messages[roomID][key] = m
			return nil
		})
		if err != nil {
			return Backup{}, err
		}
	}

	if snap, err := s.st.Get(ctx, "settings"); err == nil && snap.Value != nil {
		if err := codec.Unmarshal(snap.Value, &b.Settings); err != nil {
			return Backup{}, err
		}
	} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return Backup{}, err
	}

	codes, err := s.inviteCodes(ctx)
	if err != nil {
		return Backup{}, err
	}
	if len(codes) > 0 {
		b.InviteCodes = make(map[string]model.InviteCode, len(codes))
		for _, c := range codes {
			b.InviteCodes[c.Code] = c
		}
	}

	err = s.children(ctx, "forum", func(key string, raw []byte) error {
		var p model.ForumPost
		if err := codec.Unmarshal(raw, &p); err != nil {
			return err
		}
		if b.Forum == nil {
			b.Forum = map[string]model.ForumPost{}
		}
		b.Forum[key] = p
		return nil
	})
	if err != nil {
		return Backup{}, err
	}
	b.ExportedBy = me.ID
	return b, nil
}

// children calls fn for every child of path. Undecodable children are logged
// and skipped; a missing path has no children.
func (s *Service) children(ctx context.Context, path string, fn func(key string, raw []byte) error) error {
	snap, err := s.st.Get(ctx, path)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range snap.Children {
		if err := fn(r.Key, r.Value); err != nil {
			s.log.Warn("skipping undecodable record", zap.String("path", store.Join(path, r.Key)), zap.Error(err))
		}
	}
	return nil
}

// ExportBackup writes b to w in the requested format, sealed when a passphrase
// is given.
func (s *Service) ExportBackup(w io.Writer, b Backup, opt ExportOptions) error {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return err
	}
	b.Version = BackupVersion
	b.ExportedAt = s.now().UnixMilli()
	b.ExportedBy = me.ID
	b.Users = slices.Clone(b.Users)
	slices.SortFunc(b.Users, func(x, y model.Identity) int { return cmp.Compare(x.ID, y.ID) })
	if !opt.IncludeDigests {
		for i := range b.Users {
			b.Users[i].Digest = ""
		}
	}

	data, err := Encode(b, opt.Format)
	if err != nil {
		return err
	}
	if opt.Passphrase != "" {
		if data, err = backupseal.Seal(opt.Passphrase, data); err != nil {
			return err
		}
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.log.Info("backup exported", zap.String("tenant", b.Tenant), zap.Int("users", len(b.Users)),
		zap.Int("rooms", len(b.Rooms)), zap.Bool("sealed", opt.Passphrase != ""))
	return nil
}

// Encode renders b as JSON or YAML. YAML keys follow the JSON field names.
func Encode(b Backup, f Format) ([]byte, error) {
	data, err := codec.MarshalIndent(b)
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatJSON, "":
		return data, nil
	case FormatYAML:
		var doc any
		if err := codec.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("backup format %q: %w", f, errs.ErrInvalidInput)
}

// Decode reads a document written by ExportBackup. Sealed documents need the
// passphrase.
func Decode(data []byte, passphrase string) (Backup, error) {
	if backupseal.IsSealed(data) {
		var err error
		if data, err = backupseal.Open(passphrase, data); err != nil {
			return Backup{}, err
		}
	}
	var b Backup
	if err := codec.Unmarshal(data, &b); err == nil {
		return b, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	js, err := codec.Marshal(doc)
	if err != nil {
		return Backup{}, err
	}
	if err := codec.Unmarshal(js, &b); err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	return b, nil
}
