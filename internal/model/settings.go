package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType は連携設定フィールドの型。
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeBool   FieldType = "bool"
	FieldTypeNumber FieldType = "number"
)

// FieldSpec はアダプタが宣言する設定フィールドのメタデータ。
type FieldSpec struct {
	Key       string
	Type      FieldType
	Required  bool
	Encrypted bool
}

// IntegrationSettings は1つの連携の設定を表す。
// JSON上は {"enabled": true, "token": "...", "org": "..."} のフラットな形式で保存される。
type IntegrationSettings struct {
	Enabled bool
	Fields  map[string]string
}

// Get はフィールド値を返す。未設定の場合は空文字。
func (s IntegrationSettings) Get(key string) string {
	return s.Fields[key]
}

// MarshalJSON はenabledとフィールドを同じ階層に展開する。
func (s IntegrationSettings) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		flat[k] = v
	}
	flat["enabled"] = s.Enabled
	return json.Marshal(flat)
}

// UnmarshalJSON は文字列以外のフィールド値（真偽値、数値）を文字列表現に変換して取り込む。
func (s *IntegrationSettings) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	s.Fields = make(map[string]string, len(flat))
	s.Enabled = false
	for k, v := range flat {
		if k == "enabled" {
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("enabled must be a boolean, got %T", v)
			}
			s.Enabled = b
			continue
		}
		switch tv := v.(type) {
		case nil:
		case string:
			s.Fields[k] = tv
		case bool:
			s.Fields[k] = strconv.FormatBool(tv)
		case float64:
			s.Fields[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		default:
			return fmt.Errorf("unsupported value for field %q: %T", k, v)
		}
	}
	return nil
}

// Settings はチームごとの全連携設定を保持する。
type Settings struct {
	TeamID       int64
	Integrations map[string]IntegrationSettings
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Integration は指定連携の設定を返す。完全一致が無ければ大文字小文字を無視して探す。
// 存在しない場合はfalse。
func (s *Settings) Integration(name string) (IntegrationSettings, bool) {
	if s == nil {
		return IntegrationSettings{}, false
	}
	if is, ok := s.Integrations[name]; ok {
		return is, true
	}
	for key, is := range s.Integrations {
		if strings.EqualFold(key, name) {
			return is, true
		}
	}
	return IntegrationSettings{}, false
}
