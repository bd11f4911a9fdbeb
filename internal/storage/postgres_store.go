package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/example/ridenow/internal/models"
)

// PostgresStore persists trips in the trips table. Driver is "postgres"
// (lib/pq) or "pgx" (jackc/pgx stdlib).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(driver, dsn string) (*PostgresStore, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// insertColumns and selectColumns must stay in step with
// migrations/001_create_trips.sql.
var (
	insertColumns = []string{
		"id", "rider_id", "rider_email",
		"origin_name", "origin_lat", "origin_lon", "dest_name", "dest_lat", "dest_lon",
		"driver_name", "car_model", "car_year", "plate_number",
		"distance_km", "price_per_km", "fare_min", "fare_max", "price", "currency",
		"payment_status", "payment_method", "payment_reference", "paid_at", "created_at",
	}
	selectColumns = []string{
		"id", "rider_id", "rider_email",
		"origin_name", "origin_lat", "origin_lon", "dest_name", "dest_lat", "dest_lon",
		"driver_name", "car_model", "car_year", "plate_number",
		"distance_km", "price_per_km", "fare_min", "fare_max", "price", "currency",
		"payment_status", "payment_method", "payment_reference", "paid_at",
		"rating_score", "rating_comment", "rated_at", "created_at",
	}

	insertTrip = "INSERT INTO trips(" + strings.Join(insertColumns, ", ") + ") VALUES(" + placeholders(len(insertColumns)) + ")"
	listTrips  = "SELECT " + strings.Join(selectColumns, ", ") + " FROM trips WHERE rider_id=$1 ORDER BY created_at DESC LIMIT $2"
)

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(ps, ",")
}

func insertArgs(id string, r models.CompletedTripRecord) []any {
	return []any{
		id, r.RiderID, r.RiderEmail,
		r.Origin.Name, r.Origin.Coordinate.Latitude, r.Origin.Coordinate.Longitude,
		r.Destination.Name, r.Destination.Coordinate.Latitude, r.Destination.Coordinate.Longitude,
		r.DriverName, r.CarModel, r.CarYear, r.PlateNumber,
		r.DistanceKm, r.PricePerKm, r.FareMin, r.FareMax, r.Price, r.Currency,
		string(r.PaymentStatus), r.PaymentMethod, r.PaymentReference, r.PaidAt, r.CreatedAt,
	}
}

func (p *PostgresStore) CreateTrip(ctx context.Context, r models.CompletedTripRecord) (string, error) {
	id := uuid.New().String()
	if _, err := p.db.ExecContext(ctx, insertTrip, insertArgs(id, r)...); err != nil {
		return "", fmt.Errorf("insert trip: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, id string, upd models.TripUpdate) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET rating_score=$1, rating_comment=$2, rated_at=$3 WHERE id=$4`,
		upd.RatingScore, upd.RatingComment, upd.RatedAt, id)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListTrips(ctx context.Context, riderID string, limit int) ([]models.CompletedTripRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, listTrips, riderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var out []models.CompletedTripRecord
	for rows.Next() {
		r, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTrip reads one row laid out as selectColumns.
func scanTrip(row rowScanner) (models.CompletedTripRecord, error) {
	var (
		r       models.CompletedTripRecord
		status  string
		score   sql.NullInt64
		comment sql.NullString
		ratedAt sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.RiderID, &r.RiderEmail,
		&r.Origin.Name, &r.Origin.Coordinate.Latitude, &r.Origin.Coordinate.Longitude,
		&r.Destination.Name, &r.Destination.Coordinate.Latitude, &r.Destination.Coordinate.Longitude,
		&r.DriverName, &r.CarModel, &r.CarYear, &r.PlateNumber,
		&r.DistanceKm, &r.PricePerKm, &r.FareMin, &r.FareMax, &r.Price, &r.Currency,
		&status, &r.PaymentMethod, &r.PaymentReference, &r.PaidAt,
		&score, &comment, &ratedAt, &r.CreatedAt,
	); err != nil {
		return r, err
	}
	r.PaymentStatus = models.PaymentStatus(status)
	if score.Valid {
		v := int(score.Int64)
		r.RatingScore = &v
	}
	if comment.Valid {
		v := comment.String
		r.RatingComment = &v
	}
	if ratedAt.Valid {
		v := ratedAt.Time
		r.RatedAt = &v
	}
	return r, nil
}
