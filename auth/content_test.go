package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		raw          string
		integersOnly bool
		want         int64
		wantErr      bool
	}{
		{raw: `50`, want: 50},
		{raw: `-10`, want: -10},
		{raw: `"50"`, want: 50},
		{raw: `" 20 "`, want: 20},
		{raw: `12.7`, want: 12},
		{raw: `1e2`, want: 100},
		{raw: `"abc"`, wantErr: true},
		{raw: `true`, wantErr: true},
		{raw: `null`, wantErr: true},
		{raw: `50`, integersOnly: true, want: 50},
		{raw: `"50"`, integersOnly: true, wantErr: true},
		{raw: `12.7`, integersOnly: true, wantErr: true},
		{raw: `99999999999999999999`, wantErr: true},
	}
	for _, tc := range testCases {
		got, err := parseLevel(gjson.Parse(tc.raw), tc.integersOnly)
		if tc.wantErr {
			assert.Error(t, err, "parseLevel(%s, %v)", tc.raw, tc.integersOnly)
			continue
		}
		if assert.NoError(t, err, "parseLevel(%s, %v)", tc.raw, tc.integersOnly) {
			assert.Equal(t, tc.want, got, "parseLevel(%s, %v)", tc.raw, tc.integersOnly)
		}
	}
}

func TestParseLevelMap(t *testing.T) {
	levels, err := parseLevelMap(gjson.Parse(`{"@a:test":100,"@b:test":"50"}`), false)
	assert.NoError(t, err)
	assert.Equal(t, map[string]int64{"@a:test": 100, "@b:test": 50}, levels)

	_, err = parseLevelMap(gjson.Parse(`{"@a:test":100,"@b:test":"50"}`), true)
	assert.Error(t, err)

	_, err = parseLevelMap(gjson.Parse(`[1,2]`), false)
	assert.Error(t, err)

	levels, err = parseLevelMap(gjson.Result{}, true)
	assert.NoError(t, err)
	assert.Empty(t, levels)
}

func TestPowerLevelDefaults(t *testing.T) {
	var c PowerLevelContent
	c.Defaults()
	assert.Equal(t, int64(0), c.UserLevel("@anyone:test"))
	assert.Equal(t, int64(50), c.EventLevel("m.room.topic", true))
	assert.Equal(t, int64(0), c.EventLevel("m.room.message", false))
	assert.Equal(t, int64(50), c.NotificationLevel("room"))
	assert.Equal(t, int64(50), c.NotificationLevel("unknown"))

	provider, err := NewAuthEvents(nil)
	assert.NoError(t, err)
	c, err = NewPowerLevelContentFromAuthEvents(provider, "@creator:test")
	assert.NoError(t, err)
	assert.Equal(t, int64(100), c.UserLevel("@creator:test"))
	assert.Equal(t, int64(0), c.EventLevel("m.room.topic", true))
}
