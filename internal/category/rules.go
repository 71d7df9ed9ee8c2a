package category

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule maps one category label to the keywords that select it. Rules are
// evaluated in slice order; the first keyword hit wins, so order is the
// tie-break when several categories could match.
type Rule struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// Tables holds the keyword rules for both transaction directions.
type Tables struct {
	Expenses []Rule `yaml:"expenses"`
	Income   []Rule `yaml:"income"`
}

// Labels returns the labels of one direction in rule order.
func (t Tables) Labels(income bool) []string {
	rules := t.Expenses
	if income {
		rules = t.Income
	}
	labels := make([]string, 0, len(rules))
	for _, r := range rules {
		labels = append(labels, r.Label)
	}
	return labels
}

// LoadTables reads keyword tables from a YAML file.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("LoadTables: %w", err)
	}
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tables{}, fmt.Errorf("LoadTables: parsing %s: %w", path, err)
	}
	if len(t.Expenses) == 0 && len(t.Income) == 0 {
		return Tables{}, fmt.Errorf("LoadTables: %s defines no categories", path)
	}
	return t, nil
}

// DefaultTables returns the built-in keyword tables, used when no YAML file
// is configured.
func DefaultTables() Tables {
	return Tables{
		Expenses: []Rule{
			{Label: "Food", Keywords: []string{"restaurant", "mcdonald", "cafe", "coffee", "pizza", "burger", "kfc", "starbucks", "deliveroo"}},
			{Label: "Groceries", Keywords: []string{"tesco", "sainsbury", "aldi", "lidl", "carrefour", "grocery", "supermarket"}},
			{Label: "Transport", Keywords: []string{"uber", "taxi", "bolt", "train", "metro", "bus ticket", "fuel", "parking"}},
			{Label: "Shopping", Keywords: []string{"amazon", "ebay", "zara", "ikea", "decathlon", "purchase", "store"}},
			{Label: "Health", Keywords: []string{"pharmacy", "doctor", "dentist", "hospital", "clinic"}},
			{Label: "Entertainment", Keywords: []string{"netflix", "spotify", "cinema", "gym", "steam", "concert", "subscription"}},
			{Label: "Bills", Keywords: []string{"electricity", "water bill", "internet", "mobile", "rent", "insurance", "utility"}},
			{Label: "Travel", Keywords: []string{"hotel", "airbnb", "flight", "ryanair", "booking.com", "hostel"}},
			{Label: "Transfer", Keywords: []string{"transfer", "vault", "exchanged"}},
			{Label: "Other", Keywords: nil},
		},
		Income: []Rule{
			{Label: "Salary", Keywords: []string{"salary", "payroll", "wages"}},
			{Label: "Refund", Keywords: []string{"refund", "reimbursement", "cashback"}},
			{Label: "Transfer", Keywords: []string{"transfer", "exchanged"}},
			{Label: "Other", Keywords: nil},
		},
	}
}
