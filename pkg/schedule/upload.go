// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package schedule

import (
	"context"
	"time"

	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/ledger"
	"github.com/Atomregen/startAmpelBLE/pkg/log"
	"github.com/Atomregen/startAmpelBLE/pkg/metrics"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
)

// Submitter is the blocking side of the write queue.
type Submitter interface {
	Submit(ctx context.Context, p protocol.Payload) error
}

// Frames returns the exact write sequence that transfers s to a device
// speaking profile p. It performs no I/O.
func Frames(p *protocol.Profile, s Schedule) ([]protocol.Payload, error) {
	entries := s.Entries(p)
	if p.Transfer == protocol.TransferChunked {
		body, err := protocol.EncodeEntries(entries)
		if err != nil {
			return nil, err
		}
		return protocol.ChunkPayloads(p, body), nil
	}

	out := make([]protocol.Payload, 0, len(entries)+1)
	clear, err := protocol.Encode(p, protocol.ClearSchedule{})
	if err != nil {
		return nil, err
	}
	out = append(out, clear)
	for _, e := range entries {
		add, err := protocol.Encode(p, protocol.AddScheduleEntry{Entry: e})
		if err != nil {
			return nil, err
		}
		out = append(out, add)
	}
	return out, nil
}

// Result describes a completed upload.
type Result struct {
	ID       string `json:"id"`
	Digest   string `json:"digest"`
	Sessions int    `json:"sessions"`
	Frames   int    `json:"frames"`
	Mode     string `json:"mode"`
	// Skipped is set when the device already holds this schedule.
	Skipped bool `json:"skipped,omitempty"`
}

// Uploader pushes schedules through the write queue.
type Uploader struct {
	queue   Submitter
	profile *protocol.Profile
	ledger  *ledger.Store
	metrics *metrics.AmpelMetrics
	log     *log.Logger
}

// NewUploader creates an uploader. store and m may be nil.
func NewUploader(q Submitter, p *protocol.Profile, store *ledger.Store, m *metrics.AmpelMetrics) *Uploader {
	return &Uploader{
		queue:   q,
		profile: p,
		ledger:  store,
		metrics: m,
		log:     log.GetLogger("schedule"),
	}
}

// Upload writes every frame of s in order. The first failed write
// abandons the upload; the device may then hold a partial schedule until
// the next successful upload.
func (u *Uploader) Upload(ctx context.Context, s Schedule, device string) (Result, error) {
	mode := string(u.profile.Transfer)
	frames, err := Frames(u.profile, s)
	if err != nil {
		u.metrics.RecordUpload(mode, "error", 0)
		return Result{}, errors.UploadFailedError("encode", err)
	}

	for i, f := range frames {
		if err := u.queue.Submit(ctx, f); err != nil {
			u.metrics.RecordUpload(mode, "error", i)
			u.log.WithError(err).WithFields(log.Fields{"frame": i, "of": len(frames)}).Warn("schedule upload abandoned")
			return Result{}, errors.UploadFailedError(phase(u.profile, i, len(frames)), err)
		}
	}

	res := Result{
		Digest:   s.Digest(u.profile),
		Sessions: s.Len(),
		Frames:   len(frames),
		Mode:     mode,
	}
	u.metrics.RecordUpload(mode, "ok", len(frames))
	u.metrics.SetScheduleSessions(s.Len())

	if u.ledger != nil {
		rec := &ledger.Upload{
			Device:   device,
			Profile:  u.profile.Name,
			Digest:   res.Digest,
			Sessions: res.Sessions,
			Frames:   res.Frames,
			Mode:     mode,
			At:       time.Now(),
		}
		for _, sess := range s.Sessions {
			rec.SessionIDs = append(rec.SessionIDs, sess.SessionID)
		}
		if err := u.ledger.RecordUpload(rec); err != nil {
			u.log.WithError(err).Warn("ledger: upload not recorded")
		} else {
			res.ID = rec.ID
		}
	}
	u.log.WithFields(log.Fields{"sessions": res.Sessions, "frames": res.Frames, "mode": mode}).Info("schedule uploaded")
	return res, nil
}

func phase(p *protocol.Profile, i, n int) string {
	if p.Transfer == protocol.TransferChunked {
		switch i {
		case 0:
			return "reset"
		case n - 1:
			return "parse"
		}
		return "chunk"
	}
	if i == 0 {
		return "clear"
	}
	return "add"
}
