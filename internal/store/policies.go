package store

import (
	"context"
	"fmt"
)

// PolicyCommand is the statement class a policy applies to.
type PolicyCommand string

const (
	PolicyCommandAll    PolicyCommand = "ALL"
	PolicyCommandSelect PolicyCommand = "SELECT"
)

// Policy is one row-level security policy.
type Policy struct {
	Table     string
	Name      string
	Command   PolicyCommand
	Using     string
	WithCheck string
}

// ownerColumns lists each tenant table with the column holding the owning doctor.
var ownerColumns = []struct {
	table  string
	column string
}{
	{"doctors", "id"},
	{"patients", "doctor_id"},
	{"patient_details", "doctor_id"},
	{"cases", "doctor_id"},
	{"visits", "doctor_id"},
	{"images", "doctor_id"},
	{"analysis_results", "doctor_id"},
}

// Policies returns the isolation policy of every tenant table.
func Policies() []Policy {
	policies := make([]Policy, 0, len(ownerColumns))
	for _, oc := range ownerColumns {
		predicate := fmt.Sprintf("%s = current_setting('%s', true)", oc.column, SettingName)
		policies = append(policies, Policy{
			Table:     oc.table,
			Name:      oc.table + "_owner_isolation",
			Command:   PolicyCommandAll,
			Using:     predicate,
			WithCheck: predicate,
		})
	}
	return policies
}

// SQL renders the statements that install the policy. FORCE makes the table
// owner subject to the policy as well, since the service usually connects as owner.
func (p Policy) SQL() []string {
	stmts := []string{
		fmt.Sprintf(`ALTER TABLE %q ENABLE ROW LEVEL SECURITY`, p.Table),
		fmt.Sprintf(`ALTER TABLE %q FORCE ROW LEVEL SECURITY`, p.Table),
		fmt.Sprintf(`DROP POLICY IF EXISTS %q ON %q`, p.Name, p.Table),
	}
	create := fmt.Sprintf(`CREATE POLICY %q ON %q FOR %s USING (%s)`, p.Name, p.Table, p.Command, p.Using)
	if p.WithCheck != "" && p.Command != PolicyCommandSelect {
		create += fmt.Sprintf(` WITH CHECK (%s)`, p.WithCheck)
	}
	return append(stmts, create)
}

// PolicySQL renders every policy statement in table order.
func PolicySQL() []string {
	var stmts []string
	for _, p := range Policies() {
		stmts = append(stmts, p.SQL()...)
	}
	return stmts
}

// ApplyPolicies installs the policies. Dialects without row-level security
// rely on the doctor_id filters alone, and the call is a logged no-op.
func (s *Store) ApplyPolicies(ctx context.Context) error {
	if !s.SupportsRLS() {
		s.Logger.Warn().
			Str("dialect", s.DB.Dialector.Name()).
			Msg("row-level security not supported by dialect; relying on query scoping")
		return nil
	}

	db := s.DB.WithContext(ctx)
	for _, stmt := range PolicySQL() {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply policy %q: %w", stmt, err)
		}
	}
	s.Logger.Info().Int("tables", len(ownerColumns)).Msg("row-level security policies applied")
	return nil
}
