package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/model"
)

// openTestStore connects to the database named by CHATFORGE_TEST_DATABASE_URL
// and runs migrations. Tests using it are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHATFORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATFORGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url, testKey())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedUser(t *testing.T, s *Store) string {
	t.Helper()
	userID := uuid.NewString()
	require.NoError(t, s.EnsureUser(context.Background(), userID, userID+"@example.com"))
	return userID
}

func TestEditMessageForkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	conv, err := s.CreateConversation(ctx, userID, "edit me", ConversationSettings{})
	require.NoError(t, err)

	clientIDs := make([]string, 3)
	for i := range clientIDs {
		clientIDs[i] = uuid.NewString()
		_, err := s.AppendUserMessage(ctx, AppendUserInput{
			ConversationID:  conv.ID,
			UserID:          userID,
			ClientMessageID: clientIDs[i],
			Parts:           []model.Part{model.TextPart{Text: "turn"}},
		})
		require.NoError(t, err)
	}

	// Edit the middle message, addressed by its client handle.
	lastSeq := int64(3)
	fork, err := s.EditMessage(ctx, userID, conv.ID, clientIDs[1], &lastSeq, []model.Part{model.TextPart{Text: "rewritten"}})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, *fork.ParentID)
	assert.Equal(t, int64(2), *fork.ForkedAtSeq)

	// The fork carries the prefix plus the edit, all reachable by client ID.
	forkMsgs, err := s.ListMessages(ctx, userID, fork.ID)
	require.NoError(t, err)
	require.Len(t, forkMsgs, 2)
	assert.Equal(t, clientIDs[0], forkMsgs[0].ClientMessageID)
	assert.Equal(t, clientIDs[1], forkMsgs[1].ClientMessageID)
	assert.Equal(t, "rewritten", forkMsgs[1].Text())

	// The original keeps everything through the edited message; only the
	// tail after it is removed.
	origMsgs, err := s.ListMessages(ctx, userID, conv.ID)
	require.NoError(t, err)
	require.Len(t, origMsgs, 2)
	assert.Equal(t, int64(2), origMsgs[1].Seq)
	assert.Equal(t, "turn", origMsgs[1].Text())

	// The rewound counter reuses the truncated slots without colliding with
	// the soft-removed rows.
	appended, err := s.AppendUserMessage(ctx, AppendUserInput{
		ConversationID:  conv.ID,
		UserID:          userID,
		ClientMessageID: uuid.NewString(),
		Parts:           []model.Part{model.TextPart{Text: "after edit"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), appended.Seq)
}

func TestFinalizeRejectsDuplicateCallIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	conv, err := s.CreateConversation(ctx, userID, "t", ConversationSettings{})
	require.NoError(t, err)
	asst, err := s.BeginAssistantMessage(ctx, userID, conv.ID, "", "m")
	require.NoError(t, err)

	err = s.FinalizeMessage(ctx, FinalizeInput{
		UserID:    userID,
		MessageID: asst.ID,
		Status:    StatusFinal,
		ToolCalls: []ToolCallRow{
			{CallIndex: 0, ToolName: "get_time", Status: ToolCallSuccess},
			{CallIndex: 0, ToolName: "get_time", Status: ToolCallSuccess},
		},
	})
	assert.Error(t, err)
}

func TestEditMessageStaleSeqConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	conv, err := s.CreateConversation(ctx, userID, "t", ConversationSettings{})
	require.NoError(t, err)
	clientID := uuid.NewString()
	_, err = s.AppendUserMessage(ctx, AppendUserInput{
		ConversationID:  conv.ID,
		UserID:          userID,
		ClientMessageID: clientID,
		Parts:           []model.Part{model.TextPart{Text: "hi"}},
	})
	require.NoError(t, err)

	stale := int64(9)
	_, err = s.EditMessage(ctx, userID, conv.ID, clientID, &stale, []model.Part{model.TextPart{Text: "x"}})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestEditMessageUnknownClientID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)

	conv, err := s.CreateConversation(ctx, userID, "t", ConversationSettings{})
	require.NoError(t, err)

	_, err = s.EditMessage(ctx, userID, conv.ID, uuid.NewString(), nil, []model.Part{model.TextPart{Text: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}
