package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrTemplateNotFound is returned when a step references a missing template.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateRepo resolves mailing_templates for automation steps.
type TemplateRepo struct{ db *sql.DB }

func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) Template(ctx context.Context, orgID, id string) (domain.Content, error) {
	var c domain.Content
	err := r.db.QueryRowContext(ctx, `
		SELECT subject, from_name, from_email, reply_to, html_content, text_content
		FROM mailing_templates
		WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(&c.Subject, &c.FromName, &c.FromEmail, &c.ReplyTo, &c.HTMLContent, &c.TextContent)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("load template: %w", err)
	}
	return c, nil
}
