package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex() *DomainIndex {
	idx := &DomainIndex{}
	idx.Init()
	for name, id := range map[string]string{
		"vm1": "aaaa1111-0000-0000-0000-000000000000",
		"vm2": "aaaa2222-0000-0000-0000-000000000000",
		"vm3": "bbbb3333-0000-0000-0000-000000000000",
	} {
		idx.Domains[id] = &DomainRecord{}
		idx.Names[name] = id
	}
	return idx
}

func TestResolveDomainRef(t *testing.T) {
	idx := testIndex()

	tests := []struct {
		ref  string
		want string
	}{
		{"aaaa1111-0000-0000-0000-000000000000", "aaaa1111-0000-0000-0000-000000000000"},
		{"vm2", "aaaa2222-0000-0000-0000-000000000000"},
		{"bbbb", "bbbb3333-0000-0000-0000-000000000000"},
		{"aaaa2", "aaaa2222-0000-0000-0000-000000000000"},
	}
	for _, tt := range tests {
		got, err := ResolveDomainRef(idx, tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}
}

func TestResolveDomainRef_Failures(t *testing.T) {
	idx := testIndex()

	_, err := ResolveDomainRef(idx, "aaaa")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = ResolveDomainRef(idx, "bb")
	assert.ErrorIs(t, err, ErrNotFound, "short prefixes never match")

	_, err = ResolveDomainRef(idx, "vm9")
	assert.ErrorIs(t, err, ErrNotFound)

	delete(idx.Domains, "aaaa1111-0000-0000-0000-000000000000")
	_, err = ResolveDomainRef(idx, "vm1")
	assert.ErrorIs(t, err, ErrNotFound, "dangling name entry")
}

func TestDomainIndexInit(t *testing.T) {
	idx := &DomainIndex{}
	idx.Init()
	assert.NotNil(t, idx.Domains)
	assert.NotNil(t, idx.Names)
}
