package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

// Create inserts a new package. Type defaults to 'standard' if empty.
func (r *PackageRepository) Create(ctx context.Context, p *models.Package) (*models.Package, error) {
	if p == nil {
		return nil, errors.New("package is nil")
	}
	if p.Type == "" {
		p.Type = models.PackageTypeStandard
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO packages
(name, description, package_type, weight_kg, length_cm, width_cm, height_cm,
 is_fragile, is_urgent, requires_temperature_control, temp_range_min_c, temp_range_max_c)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, p.Description, string(p.Type), p.WeightKg, p.LengthCm, p.WidthCm, p.HeightCm,
		p.IsFragile, p.IsUrgent, p.RequiresTempControl, p.TempRangeMinC, p.TempRangeMaxC)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.Package, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var p models.Package
	var pkgType string
	var length, width, height, tmin, tmax sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description, package_type, weight_kg,
length_cm, width_cm, height_cm, is_fragile, is_urgent, requires_temperature_control,
temp_range_min_c, temp_range_max_c FROM packages WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &pkgType, &p.WeightKg,
			&length, &width, &height, &p.IsFragile, &p.IsUrgent, &p.RequiresTempControl,
			&tmin, &tmax)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Type = models.PackageType(pkgType)
	if length.Valid {
		v := length.Float64
		p.LengthCm = &v
	}
	if width.Valid {
		v := width.Float64
		p.WidthCm = &v
	}
	if height.Valid {
		v := height.Float64
		p.HeightCm = &v
	}
	if tmin.Valid {
		v := tmin.Float64
		p.TempRangeMinC = &v
	}
	if tmax.Valid {
		v := tmax.Float64
		p.TempRangeMaxC = &v
	}
	return &p, nil
}
