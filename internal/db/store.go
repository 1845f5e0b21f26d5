package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

//go:embed schema.sql
var schema string

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveState replaces the stored configuration with s in one transaction.
func (s *Store) SaveState(ctx context.Context, st *registry.State) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{"routing_rules", "categories", "channels"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		catRows := make([][]any, 0, len(st.Categories))
		for _, c := range st.Categories {
			kw, err := json.Marshal(c.Keywords)
			if err != nil {
				return err
			}
			catRows = append(catRows, []any{c.ID, c.Name, c.Department, kw, c.PriorityWeight, c.EscalationThreshold, c.IsActive})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"categories"},
			[]string{"id", "name", "department", "keywords", "priority_weight", "escalation_threshold", "is_active"},
			pgx.CopyFromRows(catRows)); err != nil {
			return fmt.Errorf("copy categories: %w", err)
		}

		chRows := make([][]any, 0, len(st.Channels))
		for _, ch := range st.Channels {
			chRows = append(chRows, []any{ch.ID, ch.Name, ch.DeliveryReady})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"channels"},
			[]string{"id", "name", "delivery_ready"}, pgx.CopyFromRows(chRows)); err != nil {
			return fmt.Errorf("copy channels: %w", err)
		}

		ruleRows := make([][]any, 0, len(st.Rules))
		for _, r := range st.Rules {
			ruleRows = append(ruleRows, ruleRow(r))
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"routing_rules"}, ruleColumns, pgx.CopyFromRows(ruleRows)); err != nil {
			return fmt.Errorf("copy routing_rules: %w", err)
		}
		return nil
	})
}

var ruleColumns = []string{
	"id", "name", "category_id", "channel_id", "accepted_ai_categories", "accepted_severities",
	"priority", "is_active", "escalation_enabled", "escalation_timeout_minutes",
}

func ruleRow(r models.RoutingRule) []any {
	ai := make([]string, 0, len(r.AcceptedAICategories))
	for _, a := range r.AcceptedAICategories {
		ai = append(ai, string(a))
	}
	sev := make([]string, 0, len(r.AcceptedSeverities))
	for _, v := range r.AcceptedSeverities {
		sev = append(sev, string(v))
	}
	return []any{r.ID, r.Name, r.CategoryID, r.ChannelID, ai, sev, r.Priority, r.IsActive, r.EscalationEnabled, r.EscalationTimeoutMinutes}
}

func (s *Store) UpsertRule(ctx context.Context, r models.RoutingRule) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO routing_rules (`+strings.Join(ruleColumns, ", ")+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category_id = EXCLUDED.category_id,
			channel_id = EXCLUDED.channel_id,
			accepted_ai_categories = EXCLUDED.accepted_ai_categories,
			accepted_severities = EXCLUDED.accepted_severities,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			escalation_enabled = EXCLUDED.escalation_enabled,
			escalation_timeout_minutes = EXCLUDED.escalation_timeout_minutes
	`, ruleRow(r)...)
	return err
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	return err
}

// LoadConfig reads the stored configuration for Catalog.Restore.
func (s *Store) LoadConfig(ctx context.Context) ([]models.Category, []models.Channel, []models.RoutingRule, error) {
	cats, err := s.listCategories(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load categories: %w", err)
	}
	chans, err := s.listChannels(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load channels: %w", err)
	}
	rules, err := s.listRules(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load rules: %w", err)
	}
	return cats, chans, rules, nil
}

func (s *Store) listCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name, department, keywords, priority_weight, escalation_threshold, is_active FROM categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Category
	for rows.Next() {
		var (
			c  models.Category
			kw []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Department, &kw, &c.PriorityWeight, &c.EscalationThreshold, &c.IsActive); err != nil {
			return nil, err
		}
		if len(kw) > 0 {
			if err := json.Unmarshal(kw, &c.Keywords); err != nil {
				return nil, fmt.Errorf("category %s keywords: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) listChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name, delivery_ready FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.DeliveryReady); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) listRules(ctx context.Context) ([]models.RoutingRule, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+strings.Join(ruleColumns, ", ")+` FROM routing_rules ORDER BY category_id, priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		var (
			r   models.RoutingRule
			ai  []string
			sev []string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.CategoryID, &r.ChannelID, &ai, &sev,
			&r.Priority, &r.IsActive, &r.EscalationEnabled, &r.EscalationTimeoutMinutes); err != nil {
			return nil, err
		}
		for _, a := range ai {
			r.AcceptedAICategories = append(r.AcceptedAICategories, models.AICategory(a))
		}
		for _, v := range sev {
			r.AcceptedSeverities = append(r.AcceptedSeverities, models.Severity(v))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveDispatchRecord stores the latest state of a record, history included.
func (s *Store) SaveDispatchRecord(ctx context.Context, rec models.DispatchRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO dispatch_records (id, message_id, rule_id, channel_id, dispatched_at, state, escalation_level, escalated_at, attempts, last_error, history, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (id) DO UPDATE SET
			rule_id = EXCLUDED.rule_id,
			channel_id = EXCLUDED.channel_id,
			state = EXCLUDED.state,
			escalation_level = EXCLUDED.escalation_level,
			escalated_at = EXCLUDED.escalated_at,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			history = EXCLUDED.history,
			updated_at = NOW()
	`, rec.ID, rec.MessageID, rec.RuleID, rec.ChannelID, rec.DispatchedAt, string(rec.State),
		rec.EscalationLevel, rec.EscalatedAt, rec.Attempts, rec.LastError, history)
	return err
}

const recordColumns = `id, message_id, rule_id, channel_id, dispatched_at, state, escalation_level, escalated_at, attempts, last_error, history`

func scanRecord(row pgx.Row) (models.DispatchRecord, error) {
	var (
		rec     models.DispatchRecord
		st      string
		history []byte
	)
	if err := row.Scan(&rec.ID, &rec.MessageID, &rec.RuleID, &rec.ChannelID, &rec.DispatchedAt, &st,
		&rec.EscalationLevel, &rec.EscalatedAt, &rec.Attempts, &rec.LastError, &history); err != nil {
		return rec, err
	}
	rec.State = models.DispatchState(st)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return rec, fmt.Errorf("record %s history: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (s *Store) ListDispatchRecords(ctx context.Context, messageID, state string, limit int) ([]models.DispatchRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM dispatch_records`
	var args []any
	var wheres []string
	if messageID != "" {
		args = append(args, messageID)
		wheres = append(wheres, fmt.Sprintf("message_id = $%d", len(args)))
	}
	if state != "" {
		args = append(args, state)
		wheres = append(wheres, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY dispatched_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetDispatchRecord(ctx context.Context, id string) (models.DispatchRecord, error) {
	rec, err := scanRecord(s.Pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM dispatch_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, models.NewError(models.CodeNotFound, err, "dispatch record %s not found", id)
	}
	return rec, err
}

func (s *Store) InsertEvent(ctx context.Context, ev models.Event) error {
	var details []byte
	if len(ev.Details) > 0 {
		var err error
		if details, err = json.Marshal(ev.Details); err != nil {
			return err
		}
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO routing_events (id, type, code, message_id, channel_id, rule_id, message, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Type, ev.Code, ev.MessageID, ev.ChannelID, ev.RuleID, ev.Message, details, ev.OccurredAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, eventType string, since time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, type, code, message_id, channel_id, rule_id, message, details, occurred_at FROM routing_events`
	var args []any
	var wheres []string
	if eventType != "" {
		args = append(args, eventType)
		wheres = append(wheres, fmt.Sprintf("type = $%d", len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		wheres = append(wheres, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ev      models.Event
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Code, &ev.MessageID, &ev.ChannelID, &ev.RuleID, &ev.Message, &details, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
