package syncobject

import (
	"fmt"

	"github.com/confcore/usersync/internal/usersync/remote"
)

// Semantic fields per type. On conflict the client's values for these win;
// every other field and the system fields come from the server copy. There
// is no timestamp comparison: a stale client overwrites newer edits made on
// another device.
var (
	favoriteSemanticFields = []string{FieldIsDeleted}

	bookmarkSemanticFields = []string{
		FieldBody, FieldAttributedBody, FieldTimecode, FieldIsDeleted, FieldModifiedAt,
	}

	sessionProgressSemanticFields = []string{
		FieldCurrentPosition, FieldRelativePosition, FieldUpdatedAt, FieldIsDeleted,
	}
)

// clientWins returns a resolver that copies keys from the client record onto
// a copy of the server record.
func clientWins(keys []string) func(client, server *remote.Record) (*remote.Record, error) {
	return func(client, server *remote.Record) (*remote.Record, error) {
		if client == nil || server == nil {
			return nil, fmt.Errorf("conflict resolution needs both records")
		}
		if client.Type != server.Type {
			return nil, fmt.Errorf("cannot resolve %s against %s", client.Type, server.Type)
		}
		if client.ID != server.ID {
			return nil, fmt.Errorf("cannot resolve %s against %s", client.ID, server.ID)
		}

		resolved := server.Clone()
		for _, key := range keys {
			if v, ok := client.Fields[key]; ok {
				resolved.Fields[key] = append([]byte(nil), v...)
			}
		}
		return resolved, nil
	}
}
