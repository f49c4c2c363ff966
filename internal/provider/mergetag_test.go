package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	name, def := ParseTag("FirstName")
	assert.Equal(t, "FirstName", name)
	assert.Equal(t, "", def)

	name, def = ParseTag("FirstName, default=Friend")
	assert.Equal(t, "FirstName", name)
	assert.Equal(t, "Friend", def)

	name, def = ParseTag("FirstName,nonsense")
	assert.Equal(t, "FirstName", name)
	assert.Equal(t, "", def)
}

func TestVars(t *testing.T) {
	t.Run("collects recipient fields and skips system tags", func(t *testing.T) {
		vars := Vars("Hi {{FirstName}}", "{{!!webroot}} {{City,default=town}}")
		require.Len(t, vars, 2)
		assert.Equal(t, Var{Alias: "FirstName", Field: "FirstName", Default: ""}, vars["FirstName"])
		assert.Equal(t, Var{Alias: "City", Field: "City", Default: "town"}, vars["City"])
	})

	t.Run("same field with two defaults gets an alias", func(t *testing.T) {
		vars := Vars("{{Name,default=Friend}} {{Name,default=Pal}}")
		require.Len(t, vars, 2)
		assert.Equal(t, "Name", vars["Name"].Field)
		assert.Equal(t, "Friend", vars["Name"].Default)
		assert.Equal(t, "Name", vars["Name2"].Field)
		assert.Equal(t, "Pal", vars["Name2"].Default)
	})

	t.Run("repeated identical tags are not duplicated", func(t *testing.T) {
		vars := Vars("{{Name,default=x}} {{Name,default=x}} {{Name,default=x}}")
		assert.Len(t, vars, 1)
	})
}

func TestRenderForRecipient(t *testing.T) {
	fields := map[string]string{"FirstName": "Ann"}
	resolve := func(name, def string) (string, bool) {
		if name == TagCampaignID {
			return "camp1", true
		}
		return "", false
	}

	out := RenderForRecipient("Hi {{FirstName}}, see {{!!campid}}. {{City,default=town}}", fields, resolve)
	assert.Equal(t, "Hi Ann, see camp1. town", out)
}

func TestRenderForRecipientEmptyFieldFallsBack(t *testing.T) {
	out := RenderForRecipient("{{Name,default=Friend}}", map[string]string{"Name": ""}, nil)
	assert.Equal(t, "Friend", out)
}

func TestRenderTagsLeavesUnresolved(t *testing.T) {
	out := RenderTags("{{Known}} {{Unknown}}", func(name, def string) (string, bool) {
		if name == "Known" {
			return "yes", true
		}
		return "", false
	})
	assert.Equal(t, "yes {{Unknown}}", out)
}

func TestUIDRoundTrip(t *testing.T) {
	for _, email := range []string{
		"someone@gmail.com",
		"a.long.name+tag@example.co.uk",
		"short@aol.com",
	} {
		uid := EncodeUID(email)
		assert.NotContains(t, uid, "=")
		assert.Equal(t, email, DecodeUID(uid), email)
	}
}

func TestDecodeUIDGarbage(t *testing.T) {
	assert.Equal(t, "", DecodeUID("not base64!!"))
	assert.Equal(t, "", DecodeUID(""))
	assert.Equal(t, "", DecodeUID("AAAA"))
}

func TestEncodeUIDAbbreviatesCommonDomains(t *testing.T) {
	// abbreviation happens pre-encoding, so a common domain encodes shorter
	long := EncodeUID("someone@uncommon-provider-domain.com")
	short := EncodeUID("someone@gmail.com")
	assert.Less(t, len(short), len(long))
}
