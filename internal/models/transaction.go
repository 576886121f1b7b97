package models

import "time"

type Period string

const (
	PeriodP1 Period = "P1"
	PeriodP2 Period = "P2"
)

// Transaction is one cleaned DVF sale. PricePerSqm is nil when SurfaceArea <= 0.
type Transaction struct {
	MutationID   string
	Disposition  string
	Date         time.Time
	Year         int
	Quarter      string
	Period       Period
	PropertyType string
	Price        float64
	SurfaceArea  float64
	PricePerSqm  *float64
	PriceBand    string
	Rooms        *int
	RoomClass    string
	SurfaceClass string
	Ward         string
	PostalCode   string
	Street       string
	Lat          *float64
	Lon          *float64
}

func (t Transaction) HasCoordinates() bool {
	return t.Lat != nil && t.Lon != nil
}

type PeriodSummary struct {
	Period            Period  `json:"period"`
	Volume            int     `json:"volume"`
	PricedVolume      int     `json:"priced_volume"`
	MedianPricePerSqm float64 `json:"median_price_per_sqm"`
	MeanPricePerSqm   float64 `json:"mean_price_per_sqm"`
}

type Overview struct {
	Volume            int             `json:"volume"`
	MedianPricePerSqm float64         `json:"median_price_per_sqm"`
	Periods           []PeriodSummary `json:"periods"`
	ChangePct         *float64        `json:"change_pct"`
}

type WardRank struct {
	Ward     string   `json:"ward"`
	MedianP1 float64  `json:"median_p1"`
	MedianP2 float64  `json:"median_p2"`
	VolumeP1 int      `json:"volume_p1"`
	VolumeP2 int      `json:"volume_p2"`
	Change   *float64 `json:"change_pct"`
}

type YearPoint struct {
	Year              int     `json:"year"`
	Period            Period  `json:"period"`
	Volume            int     `json:"volume"`
	MedianPricePerSqm float64 `json:"median_price_per_sqm"`
}

type BandCount struct {
	Band  string `json:"band"`
	P1    int    `json:"p1"`
	P2    int    `json:"p2"`
	Total int    `json:"total"`
}

type MapPoint struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Ward        string   `json:"ward"`
	Period      Period   `json:"period"`
	PricePerSqm *float64 `json:"price_per_sqm"`
}

type FilterOptions struct {
	YearMin       int      `json:"year_min"`
	YearMax       int      `json:"year_max"`
	Wards         []string `json:"wards"`
	PropertyTypes []string `json:"property_types"`
	SurfaceMin    float64  `json:"surface_min"`
	SurfaceMax    float64  `json:"surface_max"`
}

type QuarterPoint struct {
	Quarter           string  `json:"quarter"`
	Volume            int     `json:"volume"`
	MedianPricePerSqm float64 `json:"median_price_per_sqm"`
	// SmallShare is the share of rows with a known surface of at most 40 m².
	SmallShare float64 `json:"small_share"`
}

// ClassShare is the weight of one surface or room class within each period.
type ClassShare struct {
	Class   string  `json:"class"`
	P1      int     `json:"p1"`
	P2      int     `json:"p2"`
	P1Share float64 `json:"p1_share"`
	P2Share float64 `json:"p2_share"`
}

type Mix struct {
	Surface []ClassShare `json:"surface"`
	Rooms   []ClassShare `json:"rooms"`
}
