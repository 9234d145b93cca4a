// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"

	"github.com/codemux/codemux/pkg/logger"
)

// DeadProject is a project whose parent-session set emptied. The caller
// decides whether its multi-file context gets flushed to durable storage.
type DeadProject struct {
	Token     string
	ProjectID string
	Files     map[string]string
	// FinalChangeIndex is the index of the last applied context change,
	// identifying this snapshot for idempotent flushes.
	FinalChangeIndex int64
}

// DetachProject removes sessionToken from the project's parent set. When
// the set empties the project record dies: the record, its ID index and any
// leftover context are removed, and the final context snapshot is returned
// for an optional durable flush.
func (c *Cache) DetachProject(ctx context.Context, sessionToken, projectToken string) (*DeadProject, error) {
	var last *ProjectRecord
	err := c.withProject(ctx, projectToken, func(p *ProjectRecord) {
		p.SessionTokens = removeString(p.SessionTokens, sessionToken)
		snapshot := *p
		last = &snapshot
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(last.SessionTokens) > 0 {
		return nil, nil
	}

	if err := c.client.Del(ctx,
		c.Key(KindProject, projectToken),
		c.projectIndexKey(last.ProjectID),
	).Err(); err != nil {
		return nil, err
	}
	logger.Debugw("project died", "project_id", last.ProjectID)
	return &DeadProject{
		Token:            projectToken,
		ProjectID:        last.ProjectID,
		Files:            last.Files,
		FinalChangeIndex: last.NextChangeIndex - 1,
	}, nil
}

// DetachSession tears a session down: it leaves every attached project's
// parent set, leaves the parent auth record's child set, and deletes the
// session record and its hook. Projects whose parent set emptied are
// returned. Idempotent: a missing session returns no work.
func (c *Cache) DetachSession(ctx context.Context, sessionToken string) ([]DeadProject, error) {
	rec, err := c.GetSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var dead []DeadProject
	for _, pt := range rec.ProjectTokens {
		dp, derr := c.DetachProject(ctx, sessionToken, pt)
		if derr != nil {
			return dead, derr
		}
		if dp != nil {
			dead = append(dead, *dp)
		}
	}

	// Leave the auth record's child set; a gone parent is fine.
	err = c.withAuth(ctx, rec.AuthToken, func(a *AuthRecord) {
		a.SessionTokens = removeString(a.SessionTokens, sessionToken)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return dead, err
	}

	if err := c.client.Del(ctx,
		c.Key(KindSession, sessionToken),
		c.HookKey(KindSession, sessionToken),
	).Err(); err != nil {
		return dead, err
	}
	return dead, nil
}

// RevokeAuth destroys an auth token and cascades: every child session is
// detached (which in turn may kill projects), then the auth record and its
// hook are deleted. Idempotent.
func (c *Cache) RevokeAuth(ctx context.Context, authToken string) ([]DeadProject, error) {
	rec, err := c.GetAuth(ctx, authToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var dead []DeadProject
	for _, st := range rec.SessionTokens {
		dp, derr := c.DetachSession(ctx, st)
		if derr != nil {
			return dead, derr
		}
		dead = append(dead, dp...)
	}

	if err := c.client.Del(ctx,
		c.Key(KindAuth, authToken),
		c.HookKey(KindAuth, authToken),
	).Err(); err != nil {
		return dead, err
	}
	return dead, nil
}
