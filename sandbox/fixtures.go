package sandbox

import (
	"strings"
)

// Fixture is the seed material for one lesson: the SQL script executed into a
// freshly created schema, the canonical contents of the seeded table, and an
// optional expected result for the lesson's exercise.
type Fixture struct {
	Script string
	// Dataset is what SELECT * on the seeded table returns. The mock runner
	// serves it directly.
	Dataset *ExpectedResult
	// Expected is the reference result for answer checking, when the lesson
	// defines one.
	Expected *ExpectedResult
}

// FixtureSource resolves the fixture for a lesson. Production deployments are
// expected to back this with a real data source; the static table below is
// the built-in default.
type FixtureSource interface {
	Fixture(lessonID int64) (*Fixture, bool)
}

// StaticFixtureSource serves fixtures from an in-memory table.
type StaticFixtureSource struct {
	fixtures map[int64]*Fixture
}

// NewStaticFixtureSource returns the built-in lesson fixtures.
func NewStaticFixtureSource() *StaticFixtureSource {
	employees := &ExpectedResult{
		Columns: []string{"id", "name", "department", "salary"},
		Rows: [][]any{
			{1, "John Doe", "Engineering", 75000.00},
			{2, "Jane Smith", "Marketing", 65000.00},
			{3, "Bob Johnson", "Engineering", 80000.00},
			{4, "Alice Brown", "HR", 60000.00},
			{5, "Charlie Wilson", "Engineering", 90000.00},
		},
	}
	products := &ExpectedResult{
		Columns: []string{"id", "name", "category", "price", "stock"},
		Rows: [][]any{
			{1, "Laptop", "Electronics", 999.99, 50},
			{2, "Mouse", "Electronics", 29.99, 200},
			{3, "Desk", "Furniture", 299.99, 30},
			{4, "Chair", "Furniture", 199.99, 45},
			{5, "Monitor", "Electronics", 399.99, 75},
		},
	}

	return &StaticFixtureSource{
		fixtures: map[int64]*Fixture{
			1: {
				Script: `
					CREATE TABLE IF NOT EXISTS employees (
						id INT PRIMARY KEY,
						name VARCHAR(100),
						department VARCHAR(50),
						salary DECIMAL(10, 2)
					);

					INSERT INTO employees (id, name, department, salary) VALUES
					(1, 'John Doe', 'Engineering', 75000.00),
					(2, 'Jane Smith', 'Marketing', 65000.00),
					(3, 'Bob Johnson', 'Engineering', 80000.00),
					(4, 'Alice Brown', 'HR', 60000.00),
					(5, 'Charlie Wilson', 'Engineering', 90000.00);
				`,
				Dataset:  employees,
				Expected: employees,
			},
			2: {
				Script: `
					CREATE TABLE IF NOT EXISTS products (
						id INT PRIMARY KEY,
						name VARCHAR(100),
						category VARCHAR(50),
						price DECIMAL(10, 2),
						stock INT
					);

					INSERT INTO products (id, name, category, price, stock) VALUES
					(1, 'Laptop', 'Electronics', 999.99, 50),
					(2, 'Mouse', 'Electronics', 29.99, 200),
					(3, 'Desk', 'Furniture', 299.99, 30),
					(4, 'Chair', 'Furniture', 199.99, 45),
					(5, 'Monitor', 'Electronics', 399.99, 75);
				`,
				Dataset:  products,
				Expected: products,
			},
		},
	}
}

// Fixture returns the fixture for the lesson, if one exists.
func (s *StaticFixtureSource) Fixture(lessonID int64) (*Fixture, bool) {
	f, ok := s.fixtures[lessonID]
	return f, ok
}

// SplitStatements splits a fixture script into individual statements on
// terminating semicolons, skipping blank lines and line comments. Fixture
// scripts are trusted input; this is not a general SQL tokenizer.
func SplitStatements(script string) []string {
	var statements []string
	var current []string

	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current = append(current, line)

		if strings.HasSuffix(line, ";") {
			statements = append(statements, strings.Join(current, " "))
			current = nil
		}
	}

	if len(current) > 0 {
		statements = append(statements, strings.Join(current, " "))
	}

	return statements
}
