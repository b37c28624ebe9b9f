package entity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"corefacility/pkg/domain"
)

// Create validates e and runs every provider's CreateEntity in one
// transaction. On success e moves to StateSaved.
func Create[E Entity](ctx context.Context, s *Session, e E, providers ...Provider[E]) (err error) {
	life := e.Life()
	defer s.record(ctx, life.Kind(), "create", time.Now(), &err)
	if err := life.CheckCreate(); err != nil {
		return err
	}
	if len(providers) == 0 {
		return domain.ProvidersNotDefinedError{Entity: life.Kind()}
	}
	if err := e.Validate(); err != nil {
		return err
	}
	err = s.RunInTransaction(ctx, func(tx *Session) error {
		for _, p := range providers {
			if err := p.CreateEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	life.MarkSaved()
	return nil
}

// Update writes the edit set of e through every provider. An entity without
// edits is left untouched.
func Update[E Entity](ctx context.Context, s *Session, e E, providers ...Provider[E]) (err error) {
	life := e.Life()
	defer s.record(ctx, life.Kind(), "update", time.Now(), &err)
	if err := life.CheckUpdate(); err != nil {
		return err
	}
	if len(providers) == 0 {
		return domain.ProvidersNotDefinedError{Entity: life.Kind()}
	}
	if len(life.EditedFields()) == 0 {
		return nil
	}
	if err := e.Validate(); err != nil {
		return err
	}
	err = s.RunInTransaction(ctx, func(tx *Session) error {
		for _, p := range providers {
			if err := p.UpdateEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	life.MarkSaved()
	return nil
}

// Delete removes e through every provider. A second Delete on the same
// instance fails with OperationNotPermittedError.
func Delete[E Entity](ctx context.Context, s *Session, e E, providers ...Provider[E]) (err error) {
	life := e.Life()
	defer s.record(ctx, life.Kind(), "delete", time.Now(), &err)
	if err := life.CheckDelete(); err != nil {
		return err
	}
	if len(providers) == 0 {
		return domain.ProvidersNotDefinedError{Entity: life.Kind()}
	}
	err = s.RunInTransaction(ctx, func(tx *Session) error {
		for _, p := range providers {
			if err := p.DeleteEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.AfterCommit(life.MarkDeleted)
	return nil
}

func (s *Session) record(ctx context.Context, kind domain.EntityType, op string, started time.Time, err *error) {
	name := string(kind) + "." + op
	s.metrics.Observe(ctx, name, *err == nil, time.Since(started))
	if *err != nil {
		s.logger.Debug("entity operation failed", zap.String("op", name), zap.Error(*err))
	}
}
