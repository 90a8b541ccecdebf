// Package seed loads investor contracts and loans from a YAML fixture.
package seed

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/remittance"
	"github.com/wakala/paysettle/internal/repository"
)

type Fixture struct {
	Contracts []domain.InvestorContract `yaml:"contracts"`
	Loans     []domain.Loan             `yaml:"loans"`
}

type Result struct {
	Contracts int
	Loans     int
}

// Parse decodes a fixture and checks every contract. Unknown keys are
// rejected so typos do not silently drop terms.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	for i := range f.Contracts {
		if err := remittance.ValidateContract(&f.Contracts[i]); err != nil {
			return nil, fmt.Errorf("contract %s: %w", f.Contracts[i].ID, err)
		}
	}
	for _, l := range f.Loans {
		if l.LoanID == "" || l.InvestorID == "" || l.ProductCode == "" {
			return nil, fmt.Errorf("loan %q: loan_id, investor_id and product_code are required", l.LoanID)
		}
	}
	return &f, nil
}

// Apply upserts the fixture's contracts and loans.
func Apply(ctx context.Context, db *sql.DB, f *Fixture) (Result, error) {
	var res Result
	contracts := repository.NewContractRepo(db)
	for i := range f.Contracts {
		if err := contracts.Upsert(ctx, &f.Contracts[i]); err != nil {
			return res, fmt.Errorf("upsert contract %s: %w", f.Contracts[i].ID, err)
		}
		res.Contracts++
	}
	loans := repository.NewLoanRepo(db)
	for i := range f.Loans {
		if f.Loans[i].Status == "" {
			f.Loans[i].Status = domain.LoanCurrent
		}
		if err := loans.Upsert(ctx, &f.Loans[i]); err != nil {
			return res, fmt.Errorf("upsert loan %s: %w", f.Loans[i].LoanID, err)
		}
		res.Loans++
	}
	return res, nil
}

// LoadFile finds the fixture at path, falling back to the same path next
// to the executable, then parses and applies it.
func LoadFile(ctx context.Context, db *sql.DB, path string) (Result, error) {
	candidates := []string{path}
	if exe, err := os.Executable(); err == nil && !filepath.IsAbs(path) {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, path),
			filepath.Join(dir, "..", "..", path),
		)
	}

	var data []byte
	var loadErr error
	for _, p := range candidates {
		data, loadErr = os.ReadFile(p)
		if loadErr == nil {
			log.Printf("[seed] loading fixture from %s", p)
			break
		}
	}
	if loadErr != nil {
		return Result{}, fmt.Errorf("could not find %s in any candidate path: %w", path, loadErr)
	}

	f, err := Parse(data)
	if err != nil {
		return Result{}, err
	}
	res, err := Apply(ctx, db, f)
	if err != nil {
		return res, err
	}
	log.Printf("[seed] seeded %d contracts and %d loans", res.Contracts, res.Loans)
	return res, nil
}
