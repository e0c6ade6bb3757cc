package service

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-erp-workflow/internal/client"
)

// Defaults for Options.
const (
	DefaultMaxSteps              = 4
	DefaultCancelReasonMinLength = 10
	DefaultPendingCacheTTL       = 2 * time.Minute
)

// OrgDirectory answers read-only organisational queries. Implemented by
// client.PostgresDirectory and client.StaticDirectory.
type OrgDirectory interface {
	ActiveAssignments(ctx context.Context, employeeID string) ([]client.Assignment, error)
	// SupervisorOf returns the supervisor of the employee's active assignment
	// at the company; ok is false when none is linked.
	SupervisorOf(ctx context.Context, employeeID, companyID string) (supervisorID string, ok bool, err error)
	// PositionHolders returns the employees actively holding the position.
	PositionHolders(ctx context.Context, companyID, positionID string) ([]string, error)
}

// Options tunes the workflow services.
type Options struct {
	MaxSteps              int
	CancelReasonMinLength int
	// CCEmployeeIDs receive a copy of every final-approval notification.
	CCEmployeeIDs   []string
	LinkBaseURL     string
	PendingCacheTTL time.Duration
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.CancelReasonMinLength <= 0 {
		o.CancelReasonMinLength = DefaultCancelReasonMinLength
	}
	if o.PendingCacheTTL <= 0 {
		o.PendingCacheTTL = DefaultPendingCacheTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.LinkBaseURL = strings.TrimRight(o.LinkBaseURL, "/")
	return o
}

func (o Options) link(path string) string {
	return o.LinkBaseURL + path
}

// PendingCache memoises per-employee pending-approval lists. Entries are
// dropped whenever a transition or delegation change may affect them.
type PendingCache struct {
	cache *gocache.Cache
}

// NewPendingCache creates a cache whose entries live at most ttl.
func NewPendingCache(ttl time.Duration) *PendingCache {
	if ttl <= 0 {
		ttl = DefaultPendingCacheTTL
	}
	return &PendingCache{cache: gocache.New(ttl, 2*ttl)}
}

func (c *PendingCache) get(employeeID string) ([]*PendingItem, bool) {
	if c == nil {
		return nil, false
	}
	v, found := c.cache.Get(employeeID)
	if !found {
		return nil, false
	}
	return copyPending(v.([]*PendingItem)), true
}

func (c *PendingCache) set(employeeID string, items []*PendingItem) {
	if c == nil {
		return
	}
	c.cache.SetDefault(employeeID, copyPending(items))
}

// copyPending copies the list and its items so callers never share the
// cached entry. Instances and records are read-only to callers.
func copyPending(items []*PendingItem) []*PendingItem {
	out := make([]*PendingItem, len(items))
	for i, item := range items {
		cp := *item
		out[i] = &cp
	}
	return out
}

// Invalidate drops the cached lists of the given employees.
func (c *PendingCache) Invalidate(employeeIDs ...string) {
	if c == nil {
		return
	}
	for _, id := range employeeIDs {
		c.cache.Delete(id)
	}
}

// Flush drops every cached list.
func (c *PendingCache) Flush() {
	if c == nil {
		return
	}
	c.cache.Flush()
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func runeLen(s *string) int {
	if s == nil {
		return 0
	}
	return utf8.RuneCountInString(strings.TrimSpace(*s))
}

func uniq(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
