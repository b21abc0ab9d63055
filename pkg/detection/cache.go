package detection

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// ObjectDetector is the request-facing detection capability
type ObjectDetector interface {
	DetectObjects(ctx context.Context, img image.Image) (*types.DetectionResult, error)
}

// CachingDetector coalesces concurrent detections of identical images and,
// when a TTL is configured, remembers results keyed by pixel digest.
type CachingDetector struct {
	next  ObjectDetector
	cache *cache.Cache
	group singleflight.Group
}

// NewCachingDetector wraps next. A ttl of zero disables result caching but
// keeps in-flight coalescing; callers wanting fully independent requests
// should not wrap at all.
func NewCachingDetector(next ObjectDetector, ttl time.Duration) *CachingDetector {
	cd := &CachingDetector{next: next}
	if ttl > 0 {
		cd.cache = cache.New(ttl, 2*ttl)
	}
	return cd
}

// DetectObjects returns a cached or coalesced result when one is available
func (c *CachingDetector) DetectObjects(ctx context.Context, img image.Image) (*types.DetectionResult, error) {
	key := imageDigest(img)

	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			slog.Debug("detection cache hit", "key", key[:12])
			return copyResult(v.(*types.DetectionResult)), nil
		}
	}

	// The shared run outlives any single caller; each caller stops waiting
	// on its own cancellation.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		res, err := c.next.DetectObjects(context.WithoutCancel(ctx), img)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.SetDefault(key, res)
		}
		return res, nil
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	v, shared := r.Val, r.Shared
	res, ok := v.(*types.DetectionResult)
	if !ok {
		return nil, fmt.Errorf("unexpected return type from singleflight: %T", v)
	}
	if shared {
		slog.Debug("detection shared with concurrent request", "key", key[:12])
	}
	return copyResult(res), nil
}

// ItemCount reports the number of cached results
func (c *CachingDetector) ItemCount() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.ItemCount()
}

func copyResult(r *types.DetectionResult) *types.DetectionResult {
	out := &types.DetectionResult{Caption: r.Caption, Objects: make([]types.BoundingBox, len(r.Objects))}
	copy(out.Objects, r.Objects)
	return out
}

func imageDigest(img image.Image) string {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}
	b := nrgba.Bounds()

	h := sha256.New()
	var dims [16]byte
	binary.BigEndian.PutUint64(dims[:8], uint64(b.Dx()))
	binary.BigEndian.PutUint64(dims[8:], uint64(b.Dy()))
	h.Write(dims[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := (y - b.Min.Y) * nrgba.Stride
		h.Write(nrgba.Pix[start : start+b.Dx()*4])
	}
	return hex.EncodeToString(h.Sum(nil))
}
