package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"homework_bot/internal/model"
	"homework_bot/internal/subscription"
	"homework_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const (
	modeInclude = "include"
	modeExclude = "exclude"
)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, log *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable and has no pending migrations.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	pending, err := migrations.Pending(ctx, s.db)
	if err != nil {
		return err
	}
	if pending {
		return errors.New("database schema has pending migrations")
	}
	return nil
}

// --- guilds ---

const guildColumns = `id, retention_window_seconds, notify_when_empty, case_sensitive, created_at`

// GetGuild returns a guild by its ID.
func (s *SQLite) GetGuild(ctx context.Context, id uint64) (*model.Guild, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id = ?`, int64(id))
	return scanGuild(row)
}

// GetOrCreateGuild returns the guild, inserting it with default settings
// first if it does not exist yet. Concurrent callers never create duplicates.
func (s *SQLite) GetOrCreateGuild(ctx context.Context, id uint64) (*model.Guild, error) {
	if err := ensureGuild(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.GetGuild(ctx, id)
}

// UpdateGuild applies fn to the guild's current settings and persists the
// result atomically. The guild is created first if needed.
func (s *SQLite) UpdateGuild(ctx context.Context, id uint64, fn func(*model.Guild) error) (*model.Guild, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureGuild(ctx, tx, id); err != nil {
		return nil, err
	}
	g, err := scanGuild(tx.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id = ?`, int64(id)))
	if err != nil {
		return nil, err
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	g.ID = id
	if g.RetentionWindow < 0 {
		return nil, fmt.Errorf("retention window must not be negative, got %s", g.RetentionWindow)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE guilds SET retention_window_seconds = ?, notify_when_empty = ?, case_sensitive = ? WHERE id = ?`,
		int64(g.RetentionWindow/time.Second), boolToInt(g.NotifyWhenEmpty), boolToInt(g.CaseSensitive), int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("update guild: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit guild: %w", err)
	}
	return g, nil
}

// ListGuilds returns all known guilds ordered by ID.
func (s *SQLite) ListGuilds(ctx context.Context) ([]model.Guild, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+guildColumns+` FROM guilds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query guilds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var guilds []model.Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, err
		}
		guilds = append(guilds, *g)
	}
	return guilds, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureGuild(ctx context.Context, ex execer, id uint64) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO guilds (id, retention_window_seconds, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		int64(id), int64(model.DefaultRetentionWindow/time.Second), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure guild: %w", err)
	}
	return nil
}

// --- homework ---

const homeworkColumns = `id, guild_id, due_at, subject, title, details, created_at, created_by, edited_at, edited_by`

// CreateHomework inserts new homework, assigning an ID and CreatedAt when unset.
func (s *SQLite) CreateHomework(ctx context.Context, hw *model.Homework) error {
	if hw.ID == "" {
		hw.ID = uuid.NewString()
	}
	if hw.CreatedAt.IsZero() {
		hw.CreatedAt = time.Now()
	}
	hw.Due = truncate(hw.Due)
	hw.CreatedAt = truncate(hw.CreatedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO homework (`+homeworkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hw.ID, int64(hw.GuildID), formatTime(hw.Due), hw.Subject, hw.Title, hw.Details,
		formatTime(hw.CreatedAt), int64(hw.CreatedBy), nullTime(hw.EditedAt), nullUint(hw.EditedBy),
	)
	if err != nil {
		return fmt.Errorf("insert homework: %w", err)
	}
	return nil
}

// GetHomework returns a single homework item of a guild.
func (s *SQLite) GetHomework(ctx context.Context, guildID uint64, id string) (*model.Homework, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+homeworkColumns+` FROM homework WHERE guild_id = ? AND id = ?`, int64(guildID), id,
	)
	return scanHomework(row)
}

// UpdateHomework persists changes to existing homework.
func (s *SQLite) UpdateHomework(ctx context.Context, hw *model.Homework) error {
	hw.Due = truncate(hw.Due)
	res, err := s.db.ExecContext(ctx,
		`UPDATE homework SET due_at = ?, subject = ?, title = ?, details = ?, edited_at = ?, edited_by = ?
		 WHERE guild_id = ? AND id = ?`,
		formatTime(hw.Due), hw.Subject, hw.Title, hw.Details, nullTime(hw.EditedAt), nullUint(hw.EditedBy),
		int64(hw.GuildID), hw.ID,
	)
	if err != nil {
		return fmt.Errorf("update homework: %w", err)
	}
	return expectAffected(res, "homework "+hw.ID)
}

// DeleteHomework removes a single homework item.
func (s *SQLite) DeleteHomework(ctx context.Context, guildID uint64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM homework WHERE guild_id = ? AND id = ?`, int64(guildID), id)
	if err != nil {
		return fmt.Errorf("delete homework: %w", err)
	}
	return expectAffected(res, "homework "+id)
}

// ListHomework returns the guild's homework due within [from, to], earliest first.
func (s *SQLite) ListHomework(ctx context.Context, guildID uint64, from, to time.Time) ([]model.Homework, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+homeworkColumns+` FROM homework
		 WHERE guild_id = ? AND due_at >= ? AND due_at <= ?
		 ORDER BY due_at, id`,
		int64(guildID), formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query homework: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []model.Homework
	for rows.Next() {
		hw, err := scanHomework(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *hw)
	}
	return list, rows.Err()
}

// DeleteHomeworkDueBefore removes the guild's homework due at or before cutoff
// and returns how many rows were deleted.
func (s *SQLite) DeleteHomeworkDueBefore(ctx context.Context, guildID uint64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM homework WHERE guild_id = ? AND due_at <= ?`, int64(guildID), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old homework: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// --- subscriptions ---

// GetSubscription returns a member's subscription in a guild.
func (s *SQLite) GetSubscription(ctx context.Context, guildID, memberID uint64) (*model.Subscription, error) {
	sub := model.Subscription{GuildID: guildID, MemberID: memberID}
	var anySubject int
	err := s.db.QueryRowContext(ctx,
		`SELECT any_subject FROM subscriptions WHERE guild_id = ? AND member_id = ?`,
		int64(guildID), int64(memberID),
	).Scan(&anySubject)
	if err != nil {
		return nil, wrapScan("subscription", err)
	}
	sub.AnySubject = anySubject == 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, mode, subject FROM subscription_subjects
		 WHERE guild_id = ? AND member_id = ? ORDER BY mode, subject`,
		int64(guildID), int64(memberID),
	)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs := []model.Subscription{sub}
	if err := attachSubjects(rows, subs, map[uint64]int{memberID: 0}); err != nil {
		return nil, err
	}
	subscription.Normalize(&subs[0])
	return &subs[0], nil
}

// SaveSubscription inserts or replaces a subscription together with its subject sets.
func (s *SQLite) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	g, m := int64(sub.GuildID), int64(sub.MemberID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (guild_id, member_id, any_subject) VALUES (?, ?, ?)
		 ON CONFLICT (guild_id, member_id) DO UPDATE SET any_subject = excluded.any_subject`,
		g, m, boolToInt(sub.AnySubject),
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_subjects WHERE guild_id = ? AND member_id = ?`, g, m,
	); err != nil {
		return fmt.Errorf("clear subjects: %w", err)
	}

	sets := []struct {
		mode     string
		subjects []string
	}{
		{modeInclude, sub.Include},
		{modeExclude, sub.Exclude},
	}
	for _, set := range sets {
		for _, subject := range set.subjects {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscription_subjects (guild_id, member_id, mode, subject) VALUES (?, ?, ?, ?)`,
				g, m, set.mode, subject,
			); err != nil {
				return fmt.Errorf("insert subject: %w", err)
			}
		}
	}
	return tx.Commit()
}

// DeleteSubscription removes a subscription and its subject sets.
func (s *SQLite) DeleteSubscription(ctx context.Context, guildID, memberID uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	g, m := int64(guildID), int64(memberID)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_subjects WHERE guild_id = ? AND member_id = ?`, g, m,
	); err != nil {
		return fmt.Errorf("delete subjects: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE guild_id = ? AND member_id = ?`, g, m)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if err := expectAffected(res, fmt.Sprintf("subscription %d/%d", guildID, memberID)); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSubscriptions returns all subscriptions of a guild ordered by member ID.
func (s *SQLite) ListSubscriptions(ctx context.Context, guildID uint64) ([]model.Subscription, error) {
	subs, index, err := s.listSubscriptionRows(ctx, guildID)
	if err != nil || len(subs) == 0 {
		return subs, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, mode, subject FROM subscription_subjects
		 WHERE guild_id = ? ORDER BY member_id, mode, subject`, int64(guildID),
	)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if err := attachSubjects(rows, subs, index); err != nil {
		return nil, err
	}
	// Rows with both sets populated keep only the set of their mode; an
	// include subscription left empty can never match.
	kept := subs[:0]
	for i := range subs {
		if subscription.Normalize(&subs[i]) {
			kept = append(kept, subs[i])
		}
	}
	return kept, nil
}

func (s *SQLite) listSubscriptionRows(ctx context.Context, guildID uint64) ([]model.Subscription, map[uint64]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, any_subject FROM subscriptions WHERE guild_id = ? ORDER BY member_id`, int64(guildID),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	index := make(map[uint64]int)
	for rows.Next() {
		var memberID int64
		var anySubject int
		if err := rows.Scan(&memberID, &anySubject); err != nil {
			return nil, nil, fmt.Errorf("scan subscription: %w", err)
		}
		index[uint64(memberID)] = len(subs)
		subs = append(subs, model.Subscription{
			GuildID:    guildID,
			MemberID:   uint64(memberID),
			AnySubject: anySubject == 1,
		})
	}
	return subs, index, rows.Err()
}

func attachSubjects(rows *sql.Rows, subs []model.Subscription, index map[uint64]int) error {
	for rows.Next() {
		var memberID int64
		var mode, subject string
		if err := rows.Scan(&memberID, &mode, &subject); err != nil {
			return fmt.Errorf("scan subject: %w", err)
		}
		i, ok := index[uint64(memberID)]
		if !ok {
			continue
		}
		switch mode {
		case modeInclude:
			subs[i].Include = append(subs[i].Include, subject)
		case modeExclude:
			subs[i].Exclude = append(subs[i].Exclude, subject)
		}
	}
	return rows.Err()
}

// --- notifications ---

const notificationColumns = `guild_id, channel_id, cron_expr, countdown_seconds, created_at`

// AddNotification inserts a notification. It returns ErrConflict when the
// guild already has a notification for the channel.
func (s *SQLite) AddNotification(ctx context.Context, n *model.Notification) error {
	if !n.Schedule.Valid() {
		return fmt.Errorf("%w: notification without schedule", model.ErrInvalidSchedule)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = truncate(n.CreatedAt)

	var cronExpr sql.NullString
	var countdown sql.NullInt64
	switch n.Schedule.Kind() {
	case model.ScheduleCron:
		cronExpr = sql.NullString{String: n.Schedule.Cron(), Valid: true}
	case model.ScheduleCountdown:
		countdown = sql.NullInt64{Int64: int64(n.Schedule.Countdown() / time.Second), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (guild_id, channel_id) DO NOTHING`,
		int64(n.GuildID), n.ChannelID, cronExpr, countdown, formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("notification %d/%d: %w", n.GuildID, n.ChannelID, ErrConflict)
	}
	return nil
}

// RemoveNotification deletes a notification and reports whether it existed.
func (s *SQLite) RemoveNotification(ctx context.Context, guildID uint64, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE guild_id = ? AND channel_id = ?`, int64(guildID), channelID,
	)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListNotifications returns all notifications of a guild ordered by channel.
func (s *SQLite) ListNotifications(ctx context.Context, guildID uint64) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE guild_id = ? ORDER BY channel_id`, int64(guildID),
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanNotifications(rows)
}

// ListNotificationsByChannel returns every notification targeting a channel.
func (s *SQLite) ListNotificationsByChannel(ctx context.Context, channelID int64) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE channel_id = ? ORDER BY guild_id`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanNotifications(rows)
}

// --- trigger state ---

// LoadTrigger returns the persisted state of a scheduler trigger.
func (s *SQLite) LoadTrigger(ctx context.Context, key string) (*model.TriggerState, error) {
	var next, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT next_fire_at, last_fired_at FROM trigger_state WHERE key = ?`, key,
	).Scan(&next, &last)
	if err != nil {
		return nil, wrapScan("trigger state", err)
	}
	return &model.TriggerState{Key: key, NextFireAt: parseNullTime(next), LastFiredAt: parseNullTime(last)}, nil
}

// SaveTrigger inserts or replaces the persisted state of a trigger.
func (s *SQLite) SaveTrigger(ctx context.Context, st model.TriggerState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_state (key, next_fire_at, last_fired_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET next_fire_at = excluded.next_fire_at, last_fired_at = excluded.last_fired_at`,
		st.Key, nullTime(st.NextFireAt), nullTime(st.LastFiredAt),
	)
	if err != nil {
		return fmt.Errorf("save trigger state: %w", err)
	}
	return nil
}

// DeleteTrigger forgets the persisted state of a trigger.
func (s *SQLite) DeleteTrigger(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trigger_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete trigger state: %w", err)
	}
	return nil
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullUint(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func wrapScan(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanGuild(row scannable) (*model.Guild, error) {
	var g model.Guild
	var id, retention int64
	var notifyEmpty, caseSensitive int
	var created string
	if err := row.Scan(&id, &retention, &notifyEmpty, &caseSensitive, &created); err != nil {
		return nil, wrapScan("guild", err)
	}
	g.ID = uint64(id)
	g.RetentionWindow = time.Duration(retention) * time.Second
	g.NotifyWhenEmpty = notifyEmpty == 1
	g.CaseSensitive = caseSensitive == 1
	g.CreatedAt = parseTime(created)
	return &g, nil
}

func scanHomework(row scannable) (*model.Homework, error) {
	var hw model.Homework
	var guildID, createdBy int64
	var due, created string
	var edited sql.NullString
	var editedBy sql.NullInt64
	err := row.Scan(&hw.ID, &guildID, &due, &hw.Subject, &hw.Title, &hw.Details, &created, &createdBy, &edited, &editedBy)
	if err != nil {
		return nil, wrapScan("homework", err)
	}
	hw.GuildID = uint64(guildID)
	hw.Due = parseTime(due)
	hw.CreatedAt = parseTime(created)
	hw.CreatedBy = uint64(createdBy)
	hw.EditedAt = parseNullTime(edited)
	if editedBy.Valid {
		v := uint64(editedBy.Int64)
		hw.EditedBy = &v
	}
	return &hw, nil
}

// scanNotifications skips rows whose schedule no longer decodes so one bad
// row cannot hide the rest of the list.
func (s *SQLite) scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var list []model.Notification
	for rows.Next() {
		var n model.Notification
		var guildID int64
		var cronExpr sql.NullString
		var countdown sql.NullInt64
		var created string
		if err := rows.Scan(&guildID, &n.ChannelID, &cronExpr, &countdown, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.GuildID = uint64(guildID)
		n.CreatedAt = parseTime(created)

		var err error
		if countdown.Valid {
			n.Schedule, err = model.NewCountdownSchedule(time.Duration(countdown.Int64) * time.Second)
		} else {
			n.Schedule, err = model.NewCronSchedule(cronExpr.String)
		}
		if err != nil {
			s.log.Warn("skipping undecodable notification",
				"guild_id", n.GuildID, "channel_id", n.ChannelID, "error", err)
			continue
		}
		list = append(list, n)
	}
	return list, rows.Err()
}
