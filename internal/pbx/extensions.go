package pbx

import (
	"context"
	"fmt"
)

const extensionsFromUsersView = `
	SELECT u.iduser::text, uv.extension,
	       COALESCE(u.firstname, ''), COALESCE(u.lastname, '')
	FROM users_view uv
	JOIN users u ON u.iduser = uv.iduser
	ORDER BY uv.extension`

// The dn table mixes extensions with queues, IVRs and parking lots;
// dntype 0 is a voice-capable extension.
const extensionsFromDN = `
	SELECT iddn::text, value,
	       COALESCE(firstname, ''), COALESCE(lastname, '')
	FROM dn
	WHERE dntype = 0
	ORDER BY value`

// Extensions returns every voice-capable extension, using the users view
// when present and falling back to the dn table.
func (c *Client) Extensions(ctx context.Context) ([]Extension, error) {
	var query string
	switch c.schema.Extensions {
	case ExtSourceUsersView:
		query = extensionsFromUsersView
	case ExtSourceDN:
		query = extensionsFromDN
	default:
		return nil, nil
	}

	rows, err := c.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.SourceID, &e.Number, &e.FirstName, &e.LastName); err != nil {
			return nil, fmt.Errorf("scanning extension: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
