package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/syncerr"
)

func TestTempKeys(t *testing.T) {
	a := models.NewTempKey()
	b := models.NewTempKey()

	assert.True(t, models.IsTempKey(a))
	assert.True(t, models.IsTempKey(b))
	assert.NotEqual(t, a, b)

	assert.False(t, models.IsTempKey("42"))
	assert.False(t, models.IsTempKey(""))
	assert.False(t, models.IsTempKey("a-tmp-key"))
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "", models.KeyString(nil))
	assert.Equal(t, "abc", models.KeyString("abc"))
	assert.Equal(t, "42", models.KeyString(float64(42)))
	assert.Equal(t, "42.5", models.KeyString(42.5))
	assert.Equal(t, "7", models.KeyString(7))
	assert.Equal(t, "9", models.KeyString(int64(9)))
}

func TestNormalizeGrants(t *testing.T) {
	assert.Nil(t, models.NormalizeGrants(nil))
	assert.Nil(t, models.NormalizeGrants(""))
	assert.Nil(t, models.NormalizeGrants("   "))

	assert.Equal(t, []string{"sales", "inventory"},
		models.NormalizeGrants([]string{" Sales", "INVENTORY "}))
	assert.Equal(t, []string{"sales", "inventory"},
		models.NormalizeGrants([]any{"Sales", "Inventory"}))
	assert.Equal(t, []string{"sales", "inventory"},
		models.NormalizeGrants("Sales, Inventory"))
	assert.Equal(t, []string{"sales", "inventory"},
		models.NormalizeGrants(`["Sales","Inventory"]`))
	assert.Equal(t, []string{"sales"},
		models.NormalizeGrants("sales,, ,"))
}

func TestActionValid(t *testing.T) {
	assert.True(t, models.ActionInsert.Valid())
	assert.True(t, models.ActionUpdate.Valid())
	assert.True(t, models.ActionDelete.Valid())
	assert.False(t, models.Action("upsert").Valid())
	assert.False(t, models.Action("").Valid())
}

func TestSchemaValidate(t *testing.T) {
	schema, err := models.SchemaFor("sales")
	require.NoError(t, err)

	err = schema.Validate(map[string]any{"product_id": "1", "amount": 50, "store_id": "3"})
	assert.NoError(t, err)

	err = schema.Validate(map[string]any{"product_id": "1", "store_id": "3"})
	var verr *syncerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sales", verr.Table)
	assert.Equal(t, "amount", verr.Field)

	// Present but blank counts as missing.
	err = schema.Validate(map[string]any{"product_id": "  ", "amount": 50, "store_id": "3"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "product_id", verr.Field)

	// Zero is a value, not an absence.
	err = schema.Validate(map[string]any{"product_id": "1", "amount": 0, "store_id": "3"})
	assert.NoError(t, err)
}

func TestSchemaForUnknownTable(t *testing.T) {
	_, err := models.SchemaFor("ledgers")
	assert.Error(t, err)
}

func TestTableNamesSortedAndComplete(t *testing.T) {
	names := models.TableNames()
	assert.Len(t, names, len(models.Tables))
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, "products")
	assert.Contains(t, names, "sales")
}
