package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"serde", "serde"},
		{"Serde", "serde"},
		{"proc_macro2", "proc-macro2"},
		{"Proc_Macro2", "proc-macro2"},
		{"  spaced  ", "spaced"},
		{"already-canonical", "already-canonical"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestEquivalent(t *testing.T) {
	assert.True(t, Equivalent("Foo_Bar", "foo-bar"))
	assert.False(t, Equivalent("foo", "bar"))
}
