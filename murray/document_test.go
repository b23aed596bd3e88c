package murray

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentStateTransitions(t *testing.T) {
	testCases := []struct {
		from    DocumentState
		to      DocumentState
		allowed bool
	}{
		{DocumentStateUnseen, DocumentStateFetched, true},
		{DocumentStateUnseen, DocumentStateFailed, true},
		{DocumentStateUnseen, DocumentStateIndexed, false},
		{DocumentStateFetched, DocumentStateFetched, true},
		{DocumentStateFetched, DocumentStateIndexed, true},
		{DocumentStateFetched, DocumentStateFailed, true},
		{DocumentStateIndexed, DocumentStateFetched, true},
		{DocumentStateIndexed, DocumentStateIndexed, true},
		{DocumentStateIndexed, DocumentStateFailed, false},
		{DocumentStateFailed, DocumentStateFetched, false},
		{DocumentStateFailed, DocumentStateIndexed, false},
		{DocumentStateFailed, DocumentStateFailed, false},
	}
	for _, tc := range testCases {
		t.Run(
			tc.from.String()+"_to_"+tc.to.String(), func(t *testing.T) {
				assert.Equal(t, tc.allowed, tc.from.validTransition(tc.to))
			},
		)
	}
}

func TestDocumentStateTerminal(t *testing.T) {
	assert.False(t, DocumentStateUnseen.IsTerminal())
	assert.False(t, DocumentStateFetched.IsTerminal())
	assert.True(t, DocumentStateIndexed.IsTerminal())
	assert.True(t, DocumentStateFailed.IsTerminal())

	assert.True(t, DocumentStateFetched.NeedsIndexing())
	assert.False(t, DocumentStateIndexed.NeedsIndexing())
}

func TestDocumentComplete(t *testing.T) {
	doc := Document{State: DocumentStateIndexed}
	assert.False(t, doc.Complete(), "indexed without fetched_at isn't complete")

	doc.FetchedAt = 1718700000000
	assert.True(t, doc.Complete())

	doc.State = DocumentStateFetched
	assert.False(t, doc.Complete())
}
