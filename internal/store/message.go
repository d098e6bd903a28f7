package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, room_id, sender_id, msg_id, uuid, type, content, state, is_sender, quote_uuid`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m         Message
		typ       int
		content   string
		state     int
		quoteUUID int64
	)
	if err := r.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.MsgID, &m.UUID, &typ, &content, &state, &m.IsSender, &quoteUUID); err != nil {
		return nil, err
	}
	c, err := DecodeContent(MessageType(typ), []byte(content))
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", m.ID, err)
	}
	m.Content = c
	m.State = State(state)
	m.Quote = QuoteOf(quoteUUID)
	return &m, nil
}

func insertMessage(tx *sql.Tx, m *Message, now int64) (int64, bool, error) {
	typ, blob, err := EncodeContent(m.Content)
	if err != nil {
		return 0, false, err
	}
	res, err := tx.Exec(`
		INSERT INTO messages (room_id, sender_id, msg_id, uuid, type, content, state, is_sender, quote_uuid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, sender_id, msg_id) DO NOTHING`,
		m.RoomID, m.SenderID, m.MsgID, m.UUID, int(typ), string(blob), int(m.State), m.IsSender, m.QuoteUUID(), now, now)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 1 {
		id, err := res.LastInsertId()
		return id, true, err
	}
	var id int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE room_id = ? AND sender_id = ? AND msg_id = ?`,
		m.RoomID, m.SenderID, m.MsgID).Scan(&id)
	return id, false, err
}

// Insert stores m and returns its local identity. Re-inserting an existing
// (room, sender, msg_id) is not an error: the existing row's id is returned
// and created is false.
func (db *DB) Insert(m *Message) (id int64, created bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, false, storageErr("insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, created, err = insertMessage(tx, m, time.Now().UnixMilli())
	if err != nil {
		return 0, false, storageErr("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, storageErr("insert", err)
	}
	m.ID = id
	return id, created, nil
}

// InsertOutgoing allocates the next msg_id for (room, sender) and stores m
// in SENDING state. Allocation and insert share one write transaction, so
// concurrent composes never collide on msg_id.
func (db *DB) InsertOutgoing(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("insert outgoing", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(msg_id), 0) + 1 FROM messages WHERE room_id = ? AND sender_id = ?`,
		m.RoomID, m.SenderID).Scan(&next); err != nil {
		return storageErr("insert outgoing", err)
	}
	m.MsgID = next
	m.UUID = 0
	m.State = Sending
	m.IsSender = true

	id, _, err := insertMessage(tx, m, time.Now().UnixMilli())
	if err != nil {
		return storageErr("insert outgoing", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("insert outgoing", err)
	}
	m.ID = id
	return nil
}

// BatchResult describes what ApplyBatch did with one message.
type BatchResult struct {
	ID      int64
	Created bool
	// Changed is set when an existing row advanced its state or identity.
	Changed bool
}

// ApplyBatch stores server-originated messages in the given order inside a
// single transaction. A message that already exists locally is not
// duplicated; if it is still SENDING it is confirmed with the server uuid,
// and a recalled server copy recalls a SUCCESS row.
func (db *DB) ApplyBatch(msgs []*Message) ([]BatchResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, storageErr("apply batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	results := make([]BatchResult, 0, len(msgs))
	for _, m := range msgs {
		id, created, err := insertMessage(tx, m, now)
		if err != nil {
			return nil, storageErr("apply batch", err)
		}
		r := BatchResult{ID: id, Created: created}
		if !created && m.UUID > 0 {
			res, err := tx.Exec(`UPDATE messages SET uuid = ?, state = ?, updated_at = ? WHERE id = ? AND state = ?`,
				m.UUID, int(Success), now, id, int(Sending))
			if err != nil {
				return nil, storageErr("apply batch", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				r.Changed = true
			}
		}
		if !created && m.State == Recalled {
			res, err := tx.Exec(`UPDATE messages SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
				int(Recalled), now, id, int(Success))
			if err != nil {
				return nil, storageErr("apply batch", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				r.Changed = true
			}
		}
		m.ID = id
		results = append(results, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("apply batch", err)
	}
	return results, nil
}

// PatchAckedIdentity confirms a local send: SENDING becomes SUCCESS and the
// server uuid is stamped. Repeating the call only rewrites the uuid.
// It reports whether a row was updated.
func (db *DB) PatchAckedIdentity(localID, uuid int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET uuid = ?, state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		uuid, int(Success), time.Now().UnixMilli(), localID, int(Sending), int(Success))
	return affected("patch acked identity", res, err)
}

// MarkFailed moves a local SENDING message to FAILED. Rows that already
// reached SUCCESS or RECALLED are left alone.
func (db *DB) MarkFailed(roomID string, msgID int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET state = ?, updated_at = ?
		WHERE room_id = ? AND msg_id = ? AND is_sender = 1 AND state = ?`,
		int(Failed), time.Now().UnixMilli(), roomID, msgID, int(Sending))
	return affected("mark failed", res, err)
}

// MarkRetrying moves a local FAILED message back to SENDING for a new
// attempt under the same msg_id.
func (db *DB) MarkRetrying(roomID string, msgID int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET state = ?, updated_at = ?
		WHERE room_id = ? AND msg_id = ? AND is_sender = 1 AND state = ?`,
		int(Sending), time.Now().UnixMilli(), roomID, msgID, int(Failed))
	return affected("mark retrying", res, err)
}

// MarkRecalled moves the SUCCESS message with uuid to RECALLED. Recalling an
// already recalled or unknown message is a no-op.
func (db *DB) MarkRecalled(roomID string, uuid int64) (bool, error) {
	if uuid <= 0 {
		return false, nil
	}
	res, err := db.Exec(`
		UPDATE messages SET state = ?, updated_at = ?
		WHERE room_id = ? AND uuid = ? AND state = ?`,
		int(Recalled), time.Now().UnixMilli(), roomID, uuid, int(Success))
	return affected("mark recalled", res, err)
}

// UpdateContent replaces the payload of the message with uuid in place.
func (db *DB) UpdateContent(roomID string, uuid int64, c Content) (bool, error) {
	typ, blob, err := EncodeContent(c)
	if err != nil {
		return false, storageErr("update content", err)
	}
	res, err := db.Exec(`
		UPDATE messages SET type = ?, content = ?, updated_at = ?
		WHERE room_id = ? AND uuid = ?`,
		int(typ), string(blob), time.Now().UnixMilli(), roomID, uuid)
	return affected("update content", res, err)
}

// UpdateContentByID replaces the payload of a local row, for attachments
// whose remote reference arrives before the send is confirmed.
func (db *DB) UpdateContentByID(localID int64, c Content) (bool, error) {
	typ, blob, err := EncodeContent(c)
	if err != nil {
		return false, storageErr("update content", err)
	}
	res, err := db.Exec(`UPDATE messages SET type = ?, content = ?, updated_at = ? WHERE id = ?`,
		int(typ), string(blob), time.Now().UnixMilli(), localID)
	return affected("update content", res, err)
}

func affected(op string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(op, err)
	}
	return n > 0, nil
}

// Get returns the message with the given local id, or nil if absent.
func (db *DB) Get(localID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	if err := db.resolve(m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByMsgID returns the message sent by sender with msgID, or nil.
func (db *DB) GetByMsgID(roomID, senderID string, msgID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND sender_id = ? AND msg_id = ?`,
		roomID, senderID, msgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get by msg id", err)
	}
	if err := db.resolve(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (db *DB) lookupUUID(roomID string, uuid int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND uuid = ? ORDER BY id LIMIT 1`,
		roomID, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// QueryByUUID returns the message with uuid in the room, or nil. The quote of
// the returned message is resolved one level; the quoted message's own quote
// is left unresolved.
func (db *DB) QueryByUUID(roomID string, uuid int64) (*Message, error) {
	if uuid <= 0 {
		return nil, nil
	}
	m, err := db.lookupUUID(roomID, uuid)
	if err != nil {
		return nil, storageErr("query by uuid", err)
	}
	if m == nil {
		return nil, nil
	}
	if err := db.resolve(m); err != nil {
		return nil, err
	}
	return m, nil
}

// resolve fills the quote (depth 1) and avatar of m.
func (db *DB) resolve(m *Message) error {
	if q := m.Quote; q != nil {
		switch {
		case m.UUID > 0 && q.UUID == m.UUID:
			q.Status = QuoteAbsent
		default:
			quoted, err := db.lookupUUID(m.RoomID, q.UUID)
			if err != nil {
				return storageErr("resolve quote", err)
			}
			if quoted == nil {
				q.Status = QuoteAbsent
			} else {
				quoted.Avatar, _ = db.avatars.Get(quoted.SenderID)
				q.Status = QuoteFound
				q.Message = quoted
			}
		}
	}
	avatar, err := db.avatars.Get(m.SenderID)
	if err != nil {
		return err
	}
	m.Avatar = avatar
	return nil
}

// Page reads up to limit messages of a room around anchor.
//
// Before returns uuid < anchor, newest first. After returns uuid > anchor,
// oldest first. With anchor 0 the most recent messages are returned newest
// first, pending sends (uuid 0) ahead of every acknowledged message.
func (db *DB) Page(roomID string, dir Direction, limit int, anchor int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case anchor <= 0:
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE room_id = ?
			ORDER BY (uuid = 0) DESC, uuid DESC, id DESC
			LIMIT ?`, roomID, limit)
	case dir == After:
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE room_id = ? AND uuid > ?
			ORDER BY uuid ASC, id ASC
			LIMIT ?`, roomID, anchor, limit)
	case dir == Before:
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE room_id = ? AND uuid > 0 AND uuid < ?
			ORDER BY uuid DESC, id DESC
			LIMIT ?`, roomID, anchor, limit)
	default:
		return nil, storageErr("page", fmt.Errorf("unknown direction %q", dir))
	}
	if err != nil {
		return nil, storageErr("page", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, storageErr("page", err)
	}
	for _, m := range msgs {
		if err := db.resolve(m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func collect(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestReceivedUUID returns the highest uuid among messages that did not
// originate from this client. ok is false when none have been received.
func (db *DB) LatestReceivedUUID(roomID string) (uuid int64, ok bool, err error) {
	var v sql.NullInt64
	err = db.QueryRow(`SELECT MAX(uuid) FROM messages WHERE room_id = ? AND is_sender = 0 AND uuid > 0`, roomID).Scan(&v)
	if err != nil {
		return 0, false, storageErr("latest received uuid", err)
	}
	return v.Int64, v.Valid, nil
}

// PendingSends returns this client's SENDING messages in msg_id order.
func (db *DB) PendingSends(roomID string) ([]*Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? AND is_sender = 1 AND state = ?
		ORDER BY msg_id ASC`, roomID, int(Sending))
	if err != nil {
		return nil, storageErr("pending sends", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, storageErr("pending sends", err)
	}
	return msgs, nil
}

// MediaMessages returns acknowledged, non-recalled messages of the given type
// in uuid order.
func (db *DB) MediaMessages(roomID string, t MessageType) ([]*Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? AND type = ? AND uuid > 0 AND state != ?
		ORDER BY uuid ASC`, roomID, int(t), int(Recalled))
	if err != nil {
		return nil, storageErr("media messages", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, storageErr("media messages", err)
	}
	return msgs, nil
}

// Delete removes a row by local id.
func (db *DB) Delete(localID int64) (bool, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE id = ?`, localID)
	return affected("delete", res, err)
}

// DeleteByUUID removes the acknowledged message with uuid from the room.
func (db *DB) DeleteByUUID(roomID string, uuid int64) (bool, error) {
	if uuid <= 0 {
		return false, nil
	}
	res, err := db.Exec(`DELETE FROM messages WHERE room_id = ? AND uuid = ?`, roomID, uuid)
	return affected("delete by uuid", res, err)
}

// CountMessages returns the number of rows stored for a room.
func (db *DB) CountMessages(roomID string) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

// UUIDRange returns the lowest and highest acknowledged uuid stored for a
// room, both 0 when there are none.
func (db *DB) UUIDRange(roomID string) (lowest, highest int64, err error) {
	var lo, hi sql.NullInt64
	err = db.QueryRow(`SELECT MIN(uuid), MAX(uuid) FROM messages WHERE room_id = ? AND uuid > 0`, roomID).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, storageErr("uuid range", err)
	}
	return lo.Int64, hi.Int64, nil
}
