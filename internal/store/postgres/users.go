package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/geo"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/store"
)

const userColumns = `id, name, gender, birth_date, lat, lng,
	pref_age_min, pref_age_max, pref_max_distance_km, pref_genders,
	boost_expires_at, subscription_active, primary_photo, photo_count,
	is_active, is_banned, is_online, last_seen_at, blocked_user_ids,
	likes_sent, likes_received, superlikes_received, matches_count`

func scanUser(row rowScanner, extra ...any) (*model.User, error) {
	var (
		u          model.User
		birth      sql.NullTime
		lat, lng   sql.NullFloat64
		boost      sql.NullTime
		lastSeenAt sql.NullTime
	)
	dest := []any{
		&u.ID, &u.Name, &u.Gender, &birth, &lat, &lng,
		&u.Preferences.AgeMin, &u.Preferences.AgeMax, &u.Preferences.MaxDistanceKm, pq.Array(&u.Preferences.Genders),
		&boost, &u.SubscriptionActive, &u.PrimaryPhoto, &u.PhotoCount,
		&u.IsActive, &u.IsBanned, &u.IsOnline, &lastSeenAt, pq.Array(&u.BlockedUserIDs),
		&u.Stats.LikesSent, &u.Stats.LikesReceived, &u.Stats.SuperlikesReceived, &u.Stats.Matches,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if birth.Valid {
		u.BirthDate = birth.Time
	}
	if lat.Valid && lng.Valid {
		u.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	u.BoostExpiresAt = timePtr(boost)
	u.LastSeenAt = timePtr(lastSeenAt)
	return &u, nil
}

// PutUser inserts or replaces a profile. Profiles are owned by the profile
// service; this exists for seeding and tests.
func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	ctx, done := s.op(ctx, "put_user")
	defer done()

	var lat, lng sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: u.Location.Lng, Valid: true}
	}
	var birth sql.NullTime
	if !u.BirthDate.IsZero() {
		birth = sql.NullTime{Time: u.BirthDate, Valid: true}
	}
	genders := u.Preferences.Genders
	if genders == nil {
		genders = []string{}
	}
	blocked := u.BlockedUserIDs
	if blocked == nil {
		blocked = []string{}
	}

	const query = `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			gender = EXCLUDED.gender,
			birth_date = EXCLUDED.birth_date,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			pref_age_min = EXCLUDED.pref_age_min,
			pref_age_max = EXCLUDED.pref_age_max,
			pref_max_distance_km = EXCLUDED.pref_max_distance_km,
			pref_genders = EXCLUDED.pref_genders,
			boost_expires_at = EXCLUDED.boost_expires_at,
			subscription_active = EXCLUDED.subscription_active,
			primary_photo = EXCLUDED.primary_photo,
			photo_count = EXCLUDED.photo_count,
			is_active = EXCLUDED.is_active,
			is_banned = EXCLUDED.is_banned,
			is_online = EXCLUDED.is_online,
			last_seen_at = EXCLUDED.last_seen_at,
			blocked_user_ids = EXCLUDED.blocked_user_ids,
			likes_sent = EXCLUDED.likes_sent,
			likes_received = EXCLUDED.likes_received,
			superlikes_received = EXCLUDED.superlikes_received,
			matches_count = EXCLUDED.matches_count`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Name, u.Gender, birth, lat, lng,
		u.Preferences.AgeMin, u.Preferences.AgeMax, u.Preferences.MaxDistanceKm, pq.Array(genders),
		nullTime(u.BoostExpiresAt), u.SubscriptionActive, u.PrimaryPhoto, u.PhotoCount,
		u.IsActive, u.IsBanned, u.IsOnline, nullTime(u.LastSeenAt), pq.Array(blocked),
		u.Stats.LikesSent, u.Stats.LikesReceived, u.Stats.SuperlikesReceived, u.Stats.Matches,
	)
	return mapErr("put user", err)
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	ctx, done := s.op(ctx, "get_user")
	defer done()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr("user "+id, err)
	}
	return u, nil
}

// distanceExpr is the haversine great-circle distance in kilometres from
// the point ($lat, $lng), rounded to 0.1 km like geo.DistanceKm.
func distanceExpr(latArg, lngArg string) string {
	return fmt.Sprintf(`ROUND((2 * %[3]f * ASIN(LEAST(1, SQRT(
		POWER(SIN(RADIANS(lat - %[1]s) / 2), 2) +
		COS(RADIANS(%[1]s)) * COS(RADIANS(lat)) * POWER(SIN(RADIANS(lng - %[2]s) / 2), 2)
	))))::numeric, 1)::float8`, latArg, lngArg, geo.EarthRadiusKm)
}

// FindCandidates runs the whole discovery filter in SQL: the bounding box
// narrows the index scan and the haversine expression enforces the radius.
func (s *Store) FindCandidates(ctx context.Context, q store.CandidateQuery) ([]*model.User, error) {
	ctx, done := s.op(ctx, "find_candidates")
	defer done()

	var (
		args  []any
		where []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	boosted := fmt.Sprintf("(boost_expires_at IS NOT NULL AND boost_expires_at > %s)", arg(now))

	where = append(where,
		"id <> "+arg(q.RequesterID),
		"is_active", "NOT is_banned", "photo_count > 0",
	)
	if len(q.ExcludeIDs) > 0 {
		where = append(where, fmt.Sprintf("NOT (id = ANY(%s))", arg(pq.Array(q.ExcludeIDs))))
	}
	if len(q.Genders) > 0 {
		where = append(where, fmt.Sprintf("gender = ANY(%s)", arg(pq.Array(q.Genders))))
	}
	if !q.BornAfter.IsZero() {
		where = append(where, fmt.Sprintf("birth_date > %s::date", arg(q.BornAfter)))
	}
	if !q.BornBefore.IsZero() {
		where = append(where, fmt.Sprintf("birth_date <= %s::date", arg(q.BornBefore)))
	}

	distance := "0::float8"
	if q.Center != nil && q.RadiusKm > 0 {
		distance = distanceExpr(arg(q.Center.Lat), arg(q.Center.Lng))
		where = append(where, "lat IS NOT NULL", "lng IS NOT NULL")
		if q.Box != nil {
			where = append(where, boxPredicate(*q.Box, arg))
		}
		where = append(where, fmt.Sprintf("%s <= %s", distance, arg(q.RadiusKm)))
	}

	query := fmt.Sprintf(`
		SELECT %s, %s AS distance_km, %s AS boosted
		FROM users
		WHERE %s
		ORDER BY boosted DESC, distance_km ASC, id ASC`,
		userColumns, distance, boosted, strings.Join(where, "\n\t\t  AND "))
	if q.Limit > 0 {
		query += "\n\t\tLIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("find candidates", err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		var (
			dist float64
			b    bool
		)
		u, err := scanUser(rows, &dist, &b)
		if err != nil {
			return nil, mapErr("find candidates", err)
		}
		out = append(out, u)
	}
	return out, mapErr("find candidates", rows.Err())
}

// boxPredicate mirrors geo.BoundingBox.Contains, including boxes that
// cross the antimeridian.
func boxPredicate(b geo.BoundingBox, arg func(any) string) string {
	lat := fmt.Sprintf("lat BETWEEN %s AND %s", arg(b.MinLat), arg(b.MaxLat))
	var lng string
	switch {
	case b.MinLng < -180:
		lng = fmt.Sprintf("(lng >= %s OR lng <= %s)", arg(b.MinLng+360), arg(b.MaxLng))
	case b.MaxLng > 180:
		lng = fmt.Sprintf("(lng >= %s OR lng <= %s)", arg(b.MinLng), arg(b.MaxLng-360))
	default:
		lng = fmt.Sprintf("lng BETWEEN %s AND %s", arg(b.MinLng), arg(b.MaxLng))
	}
	return lat + " AND " + lng
}

func (s *Store) IncrementStats(ctx context.Context, userID string, d model.Stats) error {
	ctx, done := s.op(ctx, "increment_stats")
	defer done()

	const query = `
		UPDATE users SET
			likes_sent = likes_sent + $2,
			likes_received = likes_received + $3,
			superlikes_received = superlikes_received + $4,
			matches_count = matches_count + $5
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, d.LikesSent, d.LikesReceived, d.SuperlikesReceived, d.Matches)
	if err != nil {
		return mapErr("increment stats", err)
	}
	return requireRow(res, "user "+userID)
}

func (s *Store) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	ctx, done := s.op(ctx, "set_online")
	defer done()

	const query = `
		UPDATE users SET
			is_online = $2,
			last_seen_at = CASE WHEN $2 THEN last_seen_at ELSE $3 END
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, online, at)
	if err != nil {
		return mapErr("set online", err)
	}
	return requireRow(res, "user "+userID)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient("rows affected", err)
	}
	if n == 0 {
		return apperr.NotFound("%s", what)
	}
	return nil
}
