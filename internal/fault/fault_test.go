package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindOK},
		{name: "plain", err: errors.New("boom"), want: KindUnknown},
		{name: "not found", err: NotFound("select", "MSVC version 14.1", []string{"14.40"}), want: KindNotFound},
		{name: "integrity", err: Integrity("fetch", "aa", "bb"), want: KindIntegrity},
		{name: "transient", err: Transient("fetch", io.ErrUnexpectedEOF), want: KindTransient},
		{name: "schema", err: Schemaf("parse", "missing %q", "packages"), want: KindSchema},
		{name: "wrapped", err: fmt.Errorf("install: %w", Transient("fetch", io.EOF)), want: KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNotFoundMessageListsCandidates(t *testing.T) {
	err := NotFound("resolve", "MSVC version 14.99", []string{"14.40", "14.44"})
	assert.Equal(t, "resolve: MSVC version 14.99 not found. Available: 14.40, 14.44", err.Error())
}

func TestIntegrityMessage(t *testing.T) {
	err := Integrity("fetch a.zip", "abc", "def")
	assert.Contains(t, err.Error(), "expected abc, got def")
}

func TestUnwrapReachesCause(t *testing.T) {
	err := fmt.Errorf("outer: %w", Transient("op", io.ErrUnexpectedEOF))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	fe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "op", fe.Op)
	assert.True(t, Is(err, KindTransient))
}
