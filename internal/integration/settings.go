package integration

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/teamsync/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var typeTags = map[model.FieldType]string{
	model.FieldTypeString: "",
	model.FieldTypeBool:   "boolean",
	model.FieldTypeNumber: "number",
}

// ValidateSettings はフィールドメタデータに従って設定値を検証する。
// 必須フィールドの欠落はErrMissingCredentialsをラップして返す。
func ValidateSettings(integration string, fields []model.FieldSpec, s model.IntegrationSettings) error {
	for _, f := range fields {
		v := s.Get(f.Key)
		if f.Required {
			if err := validate.Var(v, "required"); err != nil {
				return fmt.Errorf("%w: %s.%s is required", ErrMissingCredentials, integration, f.Key)
			}
		}
		if v == "" {
			continue
		}
		if tag := typeTags[f.Type]; tag != "" {
			if err := validate.Var(v, tag); err != nil {
				return fmt.Errorf("%s.%s must be a %s", integration, f.Key, f.Type)
			}
		}
	}
	return nil
}

// FieldDecrypter は暗号化フィールドを復号する。
type FieldDecrypter interface {
	Decrypt(value string) (string, error)
}

// SettingsDecrypter はアダプタのメタデータでEncryptedとされたフィールドを復号する。
type SettingsDecrypter struct {
	registry *Registry
	cipher   FieldDecrypter
	// isEncrypted は値が暗号化形式かを判定する。平文のまま保存された値はそのまま通す。
	isEncrypted func(string) bool
}

// NewSettingsDecrypter はSettingsDecrypterを生成する。
func NewSettingsDecrypter(registry *Registry, cipher FieldDecrypter, isEncrypted func(string) bool) *SettingsDecrypter {
	return &SettingsDecrypter{registry: registry, cipher: cipher, isEncrypted: isEncrypted}
}

// Decrypt は設定のコピーを作り、暗号化フィールドを平文に置き換えて返す。
// 未登録の連携の設定はそのまま返す。
func (d *SettingsDecrypter) Decrypt(integration string, s model.IntegrationSettings) (model.IntegrationSettings, error) {
	a, err := d.registry.Lookup(integration)
	if err != nil {
		// メタデータの無い連携は暗号化フィールドも無いものとして扱う
		return s, nil
	}
	out := model.IntegrationSettings{Enabled: s.Enabled, Fields: make(map[string]string, len(s.Fields))}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	for _, f := range a.Fields() {
		if !f.Encrypted {
			continue
		}
		v := out.Fields[f.Key]
		if v == "" || d.cipher == nil || !d.isEncrypted(v) {
			continue
		}
		plain, err := d.cipher.Decrypt(v)
		if err != nil {
			return s, fmt.Errorf("%s.%s の復号に失敗しました: %w", integration, f.Key, err)
		}
		out.Fields[f.Key] = plain
	}
	return out, nil
}
