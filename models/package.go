package models

// PackageType enumerates the kinds of parcel a drone can carry.
type PackageType string

const (
	PackageTypeStandard    PackageType = "standard"
	PackageTypeDocument    PackageType = "document"
	PackageTypeFood        PackageType = "food"
	PackageTypeMedical     PackageType = "medical"
	PackageTypeFragileGood PackageType = "fragile_good"
)

// Package describes the parcel attached to a DeliveryOrder (1:1).
// Invariant: WeightKg > 0.
type Package struct {
	ID                     int64       `db:"id" json:"id"`
	Name                   string      `db:"name" json:"name"`
	Description            string      `db:"description" json:"description,omitempty"`
	Type                   PackageType `db:"package_type" json:"package_type"`
	WeightKg               float64     `db:"weight_kg" json:"weight_kg"`
	LengthCm               *float64    `db:"length_cm" json:"length_cm,omitempty"`
	WidthCm                *float64    `db:"width_cm" json:"width_cm,omitempty"`
	HeightCm               *float64    `db:"height_cm" json:"height_cm,omitempty"`
	IsFragile              bool        `db:"is_fragile" json:"is_fragile"`
	IsUrgent               bool        `db:"is_urgent" json:"is_urgent"`
	RequiresTempControl    bool        `db:"requires_temperature_control" json:"requires_temperature_control"`
	TempRangeMinC          *float64    `db:"temp_range_min_c" json:"temp_range_min_c,omitempty"`
	TempRangeMaxC          *float64    `db:"temp_range_max_c" json:"temp_range_max_c,omitempty"`
}
