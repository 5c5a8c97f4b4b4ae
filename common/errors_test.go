package common

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{ErrDataCorruption, KindDataCorruption},
		{ErrBlockNotFound, KindBlockNotFound},
		{ErrInvalidCipherParameters, KindInvalidCipherParameters},
		{ErrTooBigLoggable, KindTooBigLoggable},
		{ErrInvalidSetting, KindInvalidSetting},
		{ErrExodusFailure, KindExodusFailure},
		{ErrKeyNotFound, KindNone},
		{errors.New("unrelated"), KindNone},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.err), func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindWrapped(t *testing.T) {
	wrapped := fmt.Errorf("reading segment 3: %w", ErrDataCorruption)
	if got := Kind(wrapped); got != KindDataCorruption {
		t.Errorf("Kind(wrapped) = %v, want KindDataCorruption", got)
	}
}
