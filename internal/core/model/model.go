// Package model defines core domain types shared across the service.
package model

import "time"

// POIRecord is a normalized point of interest. Values are never mutated after
// construction; optional upstream fields are nil when absent.
type POIRecord struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Cuisine      *string `json:"cuisine"`
	Address      *string `json:"address"`
	Phone        *string `json:"phone"`
	Website      *string `json:"website"`
	OpeningHours *string `json:"opening_hours"`
	Source       string  `json:"source"`
}

type Center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RawElement is one element of an Overpass "elements" array, uninterpreted.
type RawElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat,omitempty"`
	Lon    *float64          `json:"lon,omitempty"`
	Center *Center           `json:"center,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

type RatingSummary struct {
	POIID         string  `json:"poiId"`
	AverageRating float64 `json:"averageRating"`
	ReviewCount   int     `json:"reviewCount"`
}

type RankedEntry struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	AverageRating float64 `json:"averageRating"`
	ReviewCount   int     `json:"reviewCount"`
}

// Review is a row of the externally owned review store.
type Review struct {
	RestaurantID   string
	RestaurantName string
	Rating         int
	CreatedAt      time.Time
}

type Area struct {
	Lat    float64
	Lng    float64
	Radius float64
}
