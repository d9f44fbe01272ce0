package domain

// Book is a single recommended title. Title, authors, price and summary are
// fixed once constructed; PurchaseLinks may be replaced later by the
// link-enrichment pass.
type Book struct {
	Title         string            `json:"title"`
	Author        []string          `json:"author"`
	Price         float64           `json:"price"`
	Summary       string            `json:"summary"`
	PurchaseLinks map[string]string `json:"purchase_links"`
}
