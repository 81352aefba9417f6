package checkpoint

import (
	"context"
	"time"
)

// SaveLastSuccess records a successful fire that started at ts.
func SaveLastSuccess(ctx context.Context, s Store, jobID string, ts time.Time) error {
	return s.Save(ctx, jobID, Patch{LastSuccess: &ts})
}

// SaveOffset stores the opaque resumption offset for jobID.
func SaveOffset(ctx context.Context, s Store, jobID, offset string) error {
	return s.Save(ctx, jobID, Patch{Offset: &offset})
}

// LastSuccess returns the last recorded success time, if any.
func LastSuccess(ctx context.Context, s Store, jobID string) (time.Time, bool, error) {
	r, err := s.Load(ctx, jobID)
	if err != nil || r.LastSuccess == nil {
		return time.Time{}, false, err
	}
	return *r.LastSuccess, true, nil
}

// Offset returns the stored offset, if any.
func Offset(ctx context.Context, s Store, jobID string) (string, bool, error) {
	r, err := s.Load(ctx, jobID)
	if err != nil || r.Offset == nil {
		return "", false, err
	}
	return *r.Offset, true, nil
}
