package database

import (
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"gorm.io/driver/mysql"
	"gorm.io/gorm/schema"
)

// MySQL rejects DEFAULT on TEXT and BLOB columns, so every defaulted column
// must map to a sized type under the MySQL dialect.
func TestMySQLColumnsWithDefaultsAreSized(testContext *testing.T) {
	dialector := mysql.Dialector{Config: &mysql.Config{}}
	models := append(records.Models(), &migrationRecord{})
	for _, model := range models {
		parsed, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		if err != nil {
			testContext.Fatalf("failed to parse schema for %T: %v", model, err)
		}
		for _, field := range parsed.Fields {
			if field.DBName == "" || !field.HasDefaultValue || field.DefaultValue == "" {
				continue
			}
			dataType := strings.ToLower(dialector.DataTypeOf(field))
			if strings.Contains(dataType, "text") || strings.Contains(dataType, "blob") {
				testContext.Fatalf("%s.%s has a default but maps to %s", parsed.Table, field.DBName, dataType)
			}
		}
	}
}

func TestMySQLLastErrorColumnIsVarchar(testContext *testing.T) {
	parsed, err := schema.Parse(&records.Record{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		testContext.Fatalf("failed to parse record schema: %v", err)
	}
	field := parsed.LookUpField("last_error")
	if field == nil {
		testContext.Fatalf("expected last_error field")
	}
	dataType := mysql.Dialector{Config: &mysql.Config{}}.DataTypeOf(field)
	if dataType != "varchar(1024)" {
		testContext.Fatalf("expected varchar(1024), got %s", dataType)
	}
}
