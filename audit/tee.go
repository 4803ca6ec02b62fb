package audit

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Tee writes to a primary writer and then to any number of followers. Only
// the primary decides success; follower failures are logged.
type Tee struct {
	primary   Writer
	followers []Writer
	log       zerolog.Logger
}

func NewTee(log zerolog.Logger, primary Writer, followers ...Writer) *Tee {
	return &Tee{primary: primary, followers: followers, log: log}
}

func (t *Tee) Append(ctx context.Context, rec Record) error {
	if err := t.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, f := range t.followers {
		if err := f.Append(ctx, rec); err != nil {
			t.log.Warn().Err(err).Str("record_id", rec.ID).Str("type", string(rec.Type)).Msg("audit follower append failed")
		}
	}
	return nil
}

func (t *Tee) Close() error {
	errs := []error{t.primary.Close()}
	for _, f := range t.followers {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
