package models

import "time"

type Venue struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address,omitempty"`
	Sectors []Sector `json:"sectors"`
}

type Sector struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Function struct {
	ID       int64     `json:"id"`
	EventID  int64     `json:"event_id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	Active   bool      `json:"active"`
}

type Event struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Venue     Venue      `json:"venue"`
	Functions []Function `json:"functions"`
}
