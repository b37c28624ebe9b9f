package mysql

import (
	"strings"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("user:pw@tcp(db:3306)/core", true)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, want := range []string{"parseTime=true", "multiStatements=true"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %s in %s", want, dsn)
		}
	}
	if _, err := NormalizeDSN("not a dsn", false); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&gomysql.MySQLError{Number: 1062}) {
		t.Fatal("expected 1062 to be a unique violation")
	}
	if IsUniqueViolation(&gomysql.MySQLError{Number: 1452}) {
		t.Fatal("foreign key failure is not a unique violation")
	}
}
