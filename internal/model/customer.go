// internal/model/customer.go
package model

type Customer struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Phone string `db:"phone" json:"phone"`
}

// Segment is an ordered set of customers a campaign targets.
type Segment struct {
	ID          string   `db:"id" json:"id"`
	Name        string   `db:"name" json:"name"`
	CustomerIDs []string `json:"customer_ids"`
}
