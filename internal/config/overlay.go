package config

import (
	"fmt"
	"reflect"
	"strings"

	btoml "github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ApplyOverlay decodes the TOML user overlay at path and copies only the
// keys it defines onto cfg.
func ApplyOverlay(path string, cfg *File) error {
	var raw File
	meta, err := btoml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config overlay failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warn().Str("path", path).Strs("keys", keys).Msg("config.ApplyOverlay unknown keys ignored")
	}

	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(&raw).Elem()
	for _, key := range meta.Keys() {
		if !meta.IsDefined(key...) {
			continue
		}
		copyKey(dst, src, key)
	}
	return nil
}

// copyKey copies the leaf value at key from src to dst. Table keys are
// skipped; their leaves arrive as separate keys.
func copyKey(dst, src reflect.Value, key []string) {
	for _, part := range key {
		if dst.Kind() != reflect.Struct {
			return
		}
		i := fieldByTag(dst.Type(), part)
		if i < 0 {
			return
		}
		dst = dst.Field(i)
		src = src.Field(i)
	}
	if dst.Kind() == reflect.Struct {
		return
	}
	dst.Set(src)
}

func fieldByTag(t reflect.Type, name string) int {
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return i
		}
	}
	return -1
}
