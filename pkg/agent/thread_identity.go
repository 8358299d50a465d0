package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const threadIDVersion = "v1"

// ThreadIdentity names a conversation independently of how it is stored.
type ThreadIdentity struct {
	WorkspaceID    string
	Surface        string
	ConversationID string
	UserID         string
}

func (id ThreadIdentity) Validate() error {
	if strings.TrimSpace(id.WorkspaceID) == "" {
		return fmt.Errorf("missing workspace id")
	}
	if strings.TrimSpace(id.Surface) == "" {
		return fmt.Errorf("missing surface")
	}
	if strings.TrimSpace(id.ConversationID) == "" {
		return fmt.Errorf("missing conversation id")
	}
	if strings.TrimSpace(id.UserID) == "" {
		return fmt.Errorf("missing user id")
	}
	return nil
}

func (id ThreadIdentity) Canonical() string {
	return strings.ToLower(strings.TrimSpace(id.WorkspaceID)) + "|" +
		strings.ToLower(strings.TrimSpace(id.Surface)) + "|" +
		strings.TrimSpace(id.ConversationID) + "|" +
		strings.TrimSpace(id.UserID)
}

func (id ThreadIdentity) ThreadID() string {
	sum := sha1.Sum([]byte(id.Canonical()))
	return threadIDVersion + ":" + hex.EncodeToString(sum[:16])
}

// WorkspaceNamespace hashes a workspace path into a short stable id.
func WorkspaceNamespace(workspacePath string) string {
	ws := strings.TrimSpace(strings.ToLower(workspacePath))
	if ws == "" {
		ws = "default-workspace"
	}
	sum := sha1.Sum([]byte(ws))
	return "ws-" + hex.EncodeToString(sum[:8])
}

// ResolveThreadID returns explicit when set, otherwise the derived id of the
// (workspace, surface, conversation, user) tuple.
func ResolveThreadID(explicit, workspaceID, surface, conversationID, userID string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	identity := ThreadIdentity{
		WorkspaceID:    strings.TrimSpace(workspaceID),
		Surface:        strings.TrimSpace(surface),
		ConversationID: strings.TrimSpace(conversationID),
		UserID:         strings.TrimSpace(userID),
	}
	if err := identity.Validate(); err != nil {
		return "", fmt.Errorf("resolve thread identity: %w", err)
	}
	return identity.ThreadID(), nil
}
