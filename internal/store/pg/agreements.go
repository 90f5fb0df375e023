package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"muwise.app/internal/agreement"
	"muwise.app/internal/reliability"
)

// Agreements persists agreements with their signers in agreement_signers.
// Signer emails are unique per agreement, case-insensitively.
type Agreements struct {
	db    *sql.DB
	retry reliability.RetryConfig
}

var _ agreement.Store = (*Agreements)(nil)

const selectAgreement = `
	select a.id, a.title, a.description, a.category, a.tags, a.content, a.created_by,
	       a.status, a.pdf_url, a.created_at, a.last_modified, a.completed_at,
	       s.id, s.name, s.email, s.role, s.signed, s.signed_at, s.signature
	from agreements a
	left join agreement_signers s on s.agreement_id = a.id`

func (s *Agreements) Create(ctx context.Context, a *agreement.Agreement) error {
	if a == nil {
		return fmt.Errorf("%w: nil agreement", agreement.ErrInvalid)
	}
	rec := a.Clone()
	rec.SyncSignerEmails()
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := inTx(ctx, s.db, s.retry, "agreement.create", func(tx *sql.Tx) (struct{}, error) {
		tags, err := json.Marshal(nonNilTags(rec.Tags))
		if err != nil {
			return struct{}{}, fmt.Errorf("encode tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into agreements(id, title, description, category, tags, content, created_by,
			                       status, pdf_url, created_at, last_modified, completed_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, rec.ID, rec.Title, rec.Description, rec.Category, tags, rec.Content, rec.CreatedBy,
			string(rec.Status), rec.PDFURL, rec.CreatedAt.UTC(), rec.LastModified.UTC(), nullTime(rec.CompletedAt)); err != nil {
			if isUniqueViolation(err) {
				return struct{}{}, fmt.Errorf("%w: id %s already used", agreement.ErrInvalid, rec.ID)
			}
			return struct{}{}, err
		}
		return struct{}{}, insertSigners(ctx, tx, rec)
	})
	return err
}

func (s *Agreements) Get(ctx context.Context, id string) (*agreement.Agreement, error) {
	rows, err := s.db.QueryContext(ctx, selectAgreement+` where a.id = $1 order by s.position`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanAgreements(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, agreement.ErrNotFound
	}
	return list[0], nil
}

// Update locks the agreement row, applies fn and rewrites the signer rows in
// the same serializable transaction.
func (s *Agreements) Update(ctx context.Context, id string, fn func(*agreement.Agreement) error) (*agreement.Agreement, error) {
	return inTx(ctx, s.db, s.retry, "agreement.update", func(tx *sql.Tx) (*agreement.Agreement, error) {
		rec, err := lockAgreement(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		rec.ID = id
		rec.SyncSignerEmails()
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		tags, err := json.Marshal(nonNilTags(rec.Tags))
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update agreements
			set title=$2, description=$3, category=$4, tags=$5, content=$6, status=$7,
			    pdf_url=$8, last_modified=$9, completed_at=$10
			where id=$1
		`, id, rec.Title, rec.Description, rec.Category, tags, rec.Content, string(rec.Status),
			rec.PDFURL, rec.LastModified.UTC(), nullTime(rec.CompletedAt)); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `delete from agreement_signers where agreement_id=$1`, id); err != nil {
			return nil, err
		}
		if err := insertSigners(ctx, tx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

func (s *Agreements) Delete(ctx context.Context, id string, guard func(*agreement.Agreement) error) error {
	_, err := inTx(ctx, s.db, s.retry, "agreement.delete", func(tx *sql.Tx) (struct{}, error) {
		rec, err := lockAgreement(ctx, tx, id)
		if err != nil {
			return struct{}{}, err
		}
		if guard != nil {
			if err := guard(rec); err != nil {
				return struct{}{}, err
			}
		}
		if _, err := tx.ExecContext(ctx, `delete from agreements where id=$1`, id); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// ListForUser returns agreements created by userID or naming email as a signer.
func (s *Agreements) ListForUser(ctx context.Context, userID, email string) ([]*agreement.Agreement, error) {
	if userID == "" && email == "" {
		return nil, errors.New("list requires a user id or email")
	}
	rows, err := s.db.QueryContext(ctx, selectAgreement+`
		where ($1 <> '' and a.created_by = $1)
		   or ($2 <> '' and exists (
		        select 1 from agreement_signers m
		        where m.agreement_id = a.id and m.email_lower = $2))
		order by a.created_at desc, a.id, s.position
	`, userID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return scanAgreements(rows)
}

func lockAgreement(ctx context.Context, tx *sql.Tx, id string) (*agreement.Agreement, error) {
	rows, err := tx.QueryContext(ctx, selectAgreement+` where a.id = $1 order by s.position for update of a`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanAgreements(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, agreement.ErrNotFound
	}
	return list[0], nil
}

func insertSigners(ctx context.Context, tx *sql.Tx, a *agreement.Agreement) error {
	for i, sg := range a.Signers {
		if _, err := tx.ExecContext(ctx, `
			insert into agreement_signers(agreement_id, id, position, name, email, email_lower,
			                              role, signed, signed_at, signature)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, a.ID, sg.ID, i, sg.Name, sg.Email, strings.ToLower(strings.TrimSpace(sg.Email)),
			sg.Role, sg.Signed, nullTime(sg.SignedAt), nullIfEmpty(sg.Signature)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", agreement.ErrSignerExists, sg.Email)
			}
			return err
		}
	}
	return nil
}

// scanAgreements folds joined agreement/signer rows, preserving row order.
func scanAgreements(rows *sql.Rows) ([]*agreement.Agreement, error) {
	defer rows.Close()
	var (
		out  []*agreement.Agreement
		byID = map[string]*agreement.Agreement{}
	)
	for rows.Next() {
		var (
			a                                 agreement.Agreement
			status                            string
			tags                              []byte
			completed                         sql.NullTime
			sid, name, email, role, signature sql.NullString
			signed                            sql.NullBool
			signedAt                          sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &a.Category, &tags, &a.Content, &a.CreatedBy,
			&status, &a.PDFURL, &a.CreatedAt, &a.LastModified, &completed,
			&sid, &name, &email, &role, &signed, &signedAt, &signature); err != nil {
			return nil, err
		}
		rec, seen := byID[a.ID]
		if !seen {
			parsed, err := agreement.ParseStatus(status)
			if err != nil {
				return nil, err
			}
			a.Status = parsed
			if len(tags) > 0 {
				if err := json.Unmarshal(tags, &a.Tags); err != nil {
					return nil, fmt.Errorf("decode tags for %s: %w", a.ID, err)
				}
			}
			a.CreatedAt = a.CreatedAt.UTC()
			a.LastModified = a.LastModified.UTC()
			a.CompletedAt = timePtr(completed)
			a.Signers = []agreement.Signer{}
			rec = &a
			byID[a.ID] = rec
			out = append(out, rec)
		}
		if sid.Valid {
			rec.Signers = append(rec.Signers, agreement.Signer{
				ID:        sid.String,
				Name:      name.String,
				Email:     email.String,
				Role:      role.String,
				Signed:    signed.Bool,
				SignedAt:  timePtr(signedAt),
				Signature: signature.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		rec.SyncSignerEmails()
	}
	return out, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
