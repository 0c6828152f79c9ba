package batch

import (
	"context"
	"strings"
)

// devicePool hands out device selectors so that no two running jobs hold the
// same one.
type devicePool struct {
	free chan string
}

func newDevicePool(devices []string) *devicePool {
	free := make(chan string, len(devices))
	for _, d := range devices {
		free <- d
	}
	return &devicePool{free: free}
}

func (p *devicePool) acquire(ctx context.Context) (string, func(), error) {
	select {
	case d := <-p.free:
		return d, func() { p.free <- d }, nil
	case <-ctx.Done():
		return "", func() {}, ctx.Err()
	}
}

// cleanDevices drops blanks and duplicates, keeping first-seen order.
func cleanDevices(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
