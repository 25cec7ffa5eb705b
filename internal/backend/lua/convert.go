package luabackend

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting so self-referencing tables fail cleanly.
const maxDepth = 32

// toGo converts a Lua value into plain Go data: nil, bool, float64, string,
// []any for sequences, and map[string]any for other tables. Functions and
// userdata are rejected.
func toGo(v lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nesting exceeds %d levels", maxDepth)
	}
	switch value := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(value), nil
	case lua.LNumber:
		return float64(value), nil
	case lua.LString:
		return string(value), nil
	case *lua.LTable:
		return tableToGo(value, depth)
	default:
		return nil, fmt.Errorf("cannot convert lua %s", v.Type())
	}
}

func tableToGo(tbl *lua.LTable, depth int) (any, error) {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if count == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := toGo(tbl.RawGetInt(i), depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, item)
		}
		return out, nil
	}
	out := make(map[string]any, count)
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := toGo(v, depth+1)
		if err != nil {
			convErr = fmt.Errorf("%s: %w", k.String(), err)
			return
		}
		out[k.String()] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

// toLua is the inverse of toGo for decoded JSON values.
func toLua(L *lua.LState, v any) lua.LValue {
	switch value := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(value)
	case float64:
		return lua.LNumber(value)
	case string:
		return lua.LString(value)
	case []any:
		tbl := L.CreateTable(len(value), 0)
		for _, item := range value {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tbl := L.CreateTable(0, len(value))
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, value[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(value))
	}
}

func decodeJSON(L *lua.LState, raw string) (lua.LValue, error) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return toLua(L, value), nil
}

// decodeRecord maps converted script output onto the fixed result records
// using their json field names. Type mismatches are errors, not coercions.
func decodeRecord(value, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("unexpected result shape: %w", err)
	}
	return nil
}
