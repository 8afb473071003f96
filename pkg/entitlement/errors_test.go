package entitlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{fmt.Errorf("%w: email is required", ErrValidation), KindValidation},
		{fmt.Errorf("plan gold: %w", ErrUnknownPlan), KindValidation},
		{ErrDuplicateEmail, KindDuplicate},
		{fmt.Errorf("lookup: %w", ErrUserNotFound), KindNotFound},
		{ErrSignature, KindSignature},
		{ErrNotEntitled, KindEntitlement},
		{fmt.Errorf("stripe: %w", ErrUpstream), KindUpstream},
		{ErrUpstreamTimeout, KindUpstreamTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), KindUpstreamTimeout},
		{errors.New("disk on fire"), KindInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
