package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db          DBTX
	tablePrefix string
}

// NewQueries creates a new Queries instance with the given table prefix.
func NewQueries(db DBTX, tablePrefix string) *Queries {
	return &Queries{
		db:          db,
		tablePrefix: tablePrefix,
	}
}

const (
	slotColumns     = `id, owner, original_owner, title, description, start_time, end_time, status, locked_by, version, created_at, updated_at`
	proposalColumns = `id, proposer_user, proposer_slot, recipient_user, recipient_slot, status, version, created_at, responded_at`
)

var (
	insertUserSQL = `
INSERT INTO %s_users (id, name, email, created_at)
VALUES ($1, $2, $3, $4);`

	getUserSQL = `
SELECT id, name, email, created_at
FROM %s_users
WHERE id = $1;`

	insertSlotSQL = `
INSERT INTO %s_slots (` + slotColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

	getSlotSQL = `
SELECT ` + slotColumns + `
FROM %s_slots
WHERE id = $1;`

	// The status and version columns are the compare-and-swap precondition.
	updateSlotIfSQL = `
UPDATE %s_slots
SET owner = $2,
    title = $3,
    description = $4,
    start_time = $5,
    end_time = $6,
    status = $7,
    locked_by = $8,
    updated_at = $9,
    version = version + 1
WHERE id = $1 AND status = $10 AND version = $11;`

	deleteSlotIfSQL = `
DELETE FROM %s_slots
WHERE id = $1 AND status = $2 AND version = $3;`

	insertProposalSQL = `
INSERT INTO %s_proposals (` + proposalColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	getProposalSQL = `
SELECT ` + proposalColumns + `
FROM %s_proposals
WHERE id = $1;`

	updateProposalIfSQL = `
UPDATE %s_proposals
SET status = $2,
    responded_at = $3,
    version = version + 1
WHERE id = $1 AND status = $4 AND version = $5;`

	insertIncidentSQL = `
INSERT INTO %s_incidents (id, incident_key, proposal_id, operation, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (incident_key) DO NOTHING;`

	listIncidentsSQL = `
SELECT id, incident_key, proposal_id, operation, detail, created_at
FROM %s_incidents
ORDER BY created_at ASC, id ASC;`
)

// InsertUser creates a user.
func (q *Queries) InsertUser(ctx context.Context, user *UserRecord) error {
	var query = fmt.Sprintf(insertUserSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query, user.ID, user.Name, user.Email, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID, or nil if it does not exist.
func (q *Queries) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	var (
		query = fmt.Sprintf(getUserSQL, q.tablePrefix)
		user  UserRecord
		err   = q.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// InsertSlot creates a slot.
func (q *Queries) InsertSlot(ctx context.Context, slot *SlotRecord) error {
	var query = fmt.Sprintf(insertSlotSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query,
		slot.ID, slot.Owner, slot.OriginalOwner, slot.Title, slot.Description,
		slot.StartTime, slot.EndTime, slot.Status, slot.LockedBy, slot.Version,
		slot.CreatedAt, slot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

// GetSlot retrieves a slot by ID, or nil if it does not exist.
func (q *Queries) GetSlot(ctx context.Context, id string) (*SlotRecord, error) {
	var query = fmt.Sprintf(getSlotSQL, q.tablePrefix)

	slot, err := scanSlot(q.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}

	return slot, nil
}

// UpdateSlotIf overwrites the mutable columns of a slot, but only while the stored row still has
// the expected status and version. It reports whether the row was updated.
func (q *Queries) UpdateSlotIf(ctx context.Context, next *SlotRecord, expectStatus string, expectVersion int64) (bool, error) {
	var query = fmt.Sprintf(updateSlotIfSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query,
		next.ID, next.Owner, next.Title, next.Description, next.StartTime, next.EndTime,
		next.Status, next.LockedBy, next.UpdatedAt,
		expectStatus, expectVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update slot: %w", err)
	}

	return affectedOne(result)
}

// DeleteSlotIf removes a slot while it still has the expected status and version.
func (q *Queries) DeleteSlotIf(ctx context.Context, id string, expectStatus string, expectVersion int64) (bool, error) {
	var query = fmt.Sprintf(deleteSlotIfSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query, id, expectStatus, expectVersion)
	if err != nil {
		return false, fmt.Errorf("failed to delete slot: %w", err)
	}

	return affectedOne(result)
}

// ListSlots returns the slots matching the filter, ordered by start time.
func (q *Queries) ListSlots(ctx context.Context, filter SlotFilter) ([]*SlotRecord, error) {
	var (
		where = newWhereBuilder()
		query string
	)
	where.add("owner = ", filter.Owner)
	where.add("owner <> ", filter.ExcludeOwner)
	where.add("status = ", filter.Status)

	query = fmt.Sprintf("SELECT %s FROM %s_slots%s ORDER BY start_time ASC, id ASC;",
		slotColumns, q.tablePrefix, where.clause())

	rows, err := q.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var slots []*SlotRecord
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return slots, nil
}

// InsertProposal creates a proposal.
func (q *Queries) InsertProposal(ctx context.Context, proposal *ProposalRecord) error {
	var query = fmt.Sprintf(insertProposalSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query,
		proposal.ID, proposal.ProposerUser, proposal.ProposerSlot,
		proposal.RecipientUser, proposal.RecipientSlot, proposal.Status,
		proposal.Version, proposal.CreatedAt, proposal.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by ID, or nil if it does not exist.
func (q *Queries) GetProposal(ctx context.Context, id string) (*ProposalRecord, error) {
	var query = fmt.Sprintf(getProposalSQL, q.tablePrefix)

	proposal, err := scanProposal(q.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}

	return proposal, nil
}

// UpdateProposalIf sets the status of a proposal while it still has the expected status and version.
func (q *Queries) UpdateProposalIf(ctx context.Context, next *ProposalRecord, expectStatus string, expectVersion int64) (bool, error) {
	var query = fmt.Sprintf(updateProposalIfSQL, q.tablePrefix)
	result, err := q.db.ExecContext(ctx, query,
		next.ID, next.Status, next.RespondedAt, expectStatus, expectVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update proposal: %w", err)
	}

	return affectedOne(result)
}

// ListProposals returns the proposals matching the filter, newest first.
func (q *Queries) ListProposals(ctx context.Context, filter ProposalFilter) ([]*ProposalRecord, error) {
	var where = newWhereBuilder()
	where.add("proposer_user = ", filter.ProposerUser)
	where.add("recipient_user = ", filter.RecipientUser)
	where.add("status = ", filter.Status)
	if filter.SlotID != "" {
		where.args = append(where.args, filter.SlotID)
		var n = len(where.args)
		where.conds = append(where.conds, fmt.Sprintf("(proposer_slot = $%d OR recipient_slot = $%d)", n, n))
	}

	var query = fmt.Sprintf("SELECT %s FROM %s_proposals%s ORDER BY created_at DESC, id DESC;",
		proposalColumns, q.tablePrefix, where.clause())

	rows, err := q.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*ProposalRecord
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return proposals, nil
}

// InsertIncident records an incident. A second incident with the same key is ignored.
func (q *Queries) InsertIncident(ctx context.Context, incident *IncidentRecord) error {
	var query = fmt.Sprintf(insertIncidentSQL, q.tablePrefix)
	_, err := q.db.ExecContext(ctx, query,
		incident.ID, incident.Key, incident.ProposalID, incident.Operation, incident.Detail, incident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// ListIncidents returns all incidents, oldest first.
func (q *Queries) ListIncidents(ctx context.Context) ([]*IncidentRecord, error) {
	var (
		query     = fmt.Sprintf(listIncidentsSQL, q.tablePrefix)
		rows, err = q.db.QueryContext(ctx, query)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*IncidentRecord
	for rows.Next() {
		var incident IncidentRecord
		if err := rows.Scan(&incident.ID, &incident.Key, &incident.ProposalID,
			&incident.Operation, &incident.Detail, &incident.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, &incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return incidents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*SlotRecord, error) {
	var slot SlotRecord
	if err := row.Scan(
		&slot.ID, &slot.Owner, &slot.OriginalOwner, &slot.Title, &slot.Description,
		&slot.StartTime, &slot.EndTime, &slot.Status, &slot.LockedBy, &slot.Version,
		&slot.CreatedAt, &slot.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &slot, nil
}

func scanProposal(row rowScanner) (*ProposalRecord, error) {
	var (
		proposal    ProposalRecord
		respondedAt sql.NullTime
	)
	if err := row.Scan(
		&proposal.ID, &proposal.ProposerUser, &proposal.ProposerSlot,
		&proposal.RecipientUser, &proposal.RecipientSlot, &proposal.Status,
		&proposal.Version, &proposal.CreatedAt, &respondedAt,
	); err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		proposal.RespondedAt = &respondedAt.Time
	}
	return &proposal, nil
}

func affectedOne(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// whereBuilder collects equality conditions with positional placeholders.
type whereBuilder struct {
	conds []string
	args  []any
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{}
}

// add appends "<expr>$n" when value is non-empty.
func (w *whereBuilder) add(expr string, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.conds = append(w.conds, fmt.Sprintf("%s$%d", expr, len(w.args)))
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}
