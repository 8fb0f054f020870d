package planner

import (
	"fmt"
	"slices"

	"caeplane/internal/store"
)

// AutoSubmitPolicy decides whether an item is already satisfied by a document,
// turning an AUTO_UPLOAD into AUTO_SUBMIT_OK.
type AutoSubmitPolicy interface {
	AlreadyCompliant(item store.PendingItem, doc store.Document) bool
}

// NeverPolicy never marks an item as already compliant.
type NeverPolicy struct{}

func (NeverPolicy) AlreadyCompliant(store.PendingItem, store.Document) bool { return false }

// AlreadySubmittedPolicy marks an item compliant when the document is already
// on file at the portal for that exact pending item.
type AlreadySubmittedPolicy struct{}

func (AlreadySubmittedPolicy) AlreadyCompliant(item store.PendingItem, doc store.Document) bool {
	return slices.Contains(doc.SubmittedItemKeys, item.Key)
}

// ParsePolicy maps a config value to a policy.
func ParsePolicy(name string) (AutoSubmitPolicy, error) {
	switch name {
	case "", "never":
		return NeverPolicy{}, nil
	case "already_submitted":
		return AlreadySubmittedPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown auto submit policy %q", name)
}
