// Copyright (c) 2025 BVK Chaitanya

package job

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvkgo/kv"
)

// StatusKeyspace holds the most recent status record reported for each job
// uid, separate from the job table so that processor-reported failures are
// never clobbered by the runner's own bookkeeping.
const StatusKeyspace = "/statuses/"

type statusUpdater struct {
	db kv.Database
}

var _ StatusUpdater = &statusUpdater{}

func NewStatusUpdater(db kv.Database) StatusUpdater {
	return &statusUpdater{db: db}
}

func (u *statusUpdater) Update(ctx context.Context, uid string, status Status) {
	v := &gobs.StatusRecord{
		UID:    uid,
		Status: string(status),
		At:     time.Now(),
	}
	key := path.Join(StatusKeyspace, uid)
	if err := kvutil.SetDB(ctx, u.db, key, v); err != nil {
		slog.Error("could not save job status record (ignored)", "uid", uid, "status", status, "err", err)
	}
}

// LastStatus returns the most recent status record for a job uid, which may
// not exist.
func LastStatus(ctx context.Context, db kv.Database, uid string) (*gobs.StatusRecord, error) {
	return kvutil.GetDB[gobs.StatusRecord](ctx, db, path.Join(StatusKeyspace, uid))
}
