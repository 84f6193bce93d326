// Package storage describes storage elements and the access and URL
// collaborators the scheduler consults before routing files to them.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
)

// AccessType is the kind of access checked on a storage element.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessRemove
)

// String returns the string representation of the access type.
func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessRemove:
		return "Remove"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// AccessChecker verifies that a storage element allows an access type.
type AccessChecker interface {
	CheckAccess(ctx context.Context, se string, access AccessType) error
}

// URLResolver returns the physical URL of an LFN at a storage element.
// protocol is a hint; an empty protocol lets the resolver choose.
type URLResolver interface {
	TransferURL(ctx context.Context, se, lfn, protocol string) (string, error)
}

// SiteResolver maps a storage element to the site that hosts it.
type SiteResolver interface {
	SiteFor(se string) string
}

// AccessDeniedError reports a failed access check.
type AccessDeniedError struct {
	SE     string
	Access AccessType
	Reason string
}

func (e *AccessDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s access denied on %s: %s", e.Access, e.SE, e.Reason)
	}
	return fmt.Sprintf("%s access denied on %s", e.Access, e.SE)
}

// Element describes one storage element.
type Element struct {
	Name      string
	Site      string
	BaseURL   string
	Protocols []string
	Read      bool
	Write     bool
	Remove    bool
	Failover  bool
}

// Registry is a static, in-memory set of storage elements. It implements
// AccessChecker, URLResolver and SiteResolver.
type Registry struct {
	mu       sync.RWMutex
	elements map[string]Element
}

// NewRegistry creates a Registry from the given elements.
func NewRegistry(elements ...Element) *Registry {
	r := &Registry{elements: make(map[string]Element, len(elements))}
	for _, e := range elements {
		r.elements[e.Name] = e
	}
	return r
}

// Get returns the element with the given name.
func (r *Registry) Get(se string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[se]
	return e, ok
}

// Names returns all element names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.elements))
	for name := range r.elements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAccess enables or disables one access type on an element, e.g. when an
// operator bans a storage element.
func (r *Registry) SetAccess(se string, access AccessType, allowed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.elements[se]
	if !ok {
		return fmt.Errorf("unknown storage element %q", se)
	}
	switch access {
	case AccessRead:
		e.Read = allowed
	case AccessWrite:
		e.Write = allowed
	case AccessRemove:
		e.Remove = allowed
	}
	r.elements[se] = e
	return nil
}

// CheckAccess implements AccessChecker.
func (r *Registry) CheckAccess(ctx context.Context, se string, access AccessType) error {
	e, ok := r.Get(se)
	if !ok {
		return &AccessDeniedError{SE: se, Access: access, Reason: "unknown storage element"}
	}

	var allowed bool
	switch access {
	case AccessRead:
		allowed = e.Read
	case AccessWrite:
		allowed = e.Write
	case AccessRemove:
		allowed = e.Remove
	}
	if !allowed {
		return &AccessDeniedError{SE: se, Access: access, Reason: "banned"}
	}
	return nil
}

// TransferURL implements URLResolver.
func (r *Registry) TransferURL(ctx context.Context, se, lfn, protocol string) (string, error) {
	e, ok := r.Get(se)
	if !ok {
		return "", fmt.Errorf("unknown storage element %q", se)
	}
	if e.BaseURL == "" {
		return "", fmt.Errorf("storage element %s has no base URL", se)
	}

	base, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("storage element %s: parse base URL: %w", se, err)
	}
	if protocol != "" && len(e.Protocols) > 0 && !slices.Contains(e.Protocols, protocol) {
		return "", fmt.Errorf("storage element %s does not support protocol %s", se, protocol)
	}
	if protocol != "" {
		base.Scheme = protocol
	}

	return base.JoinPath(strings.TrimPrefix(lfn, "/")).String(), nil
}

// SiteFor implements SiteResolver. Unknown elements and elements without a
// site map to themselves.
func (r *Registry) SiteFor(se string) string {
	if e, ok := r.Get(se); ok && e.Site != "" {
		return e.Site
	}
	return se
}

// IsFailover reports whether se is a failover storage element.
func (r *Registry) IsFailover(se string) bool {
	if e, ok := r.Get(se); ok {
		return e.Failover
	}
	return IsFailoverName(se)
}

// IsFailoverName applies the naming convention for failover elements
// ("CERN-FAILOVER", "RAL-failover").
func IsFailoverName(se string) bool {
	return strings.Contains(strings.ToUpper(se), "FAILOVER")
}
