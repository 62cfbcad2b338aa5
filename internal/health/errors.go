package health

import "fmt"

// UnavailableError はサービスが到達不能または異常であることを示す。
type UnavailableError struct {
	Service string
	Message string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("サービス %s は利用できません: %s", e.Service, e.Message)
}

// ConfigError はサービスの設定不備を示す。再試行しても解消しない。
type ConfigError struct {
	Service string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("サービス %s の設定が不正です: %s", e.Service, e.Reason)
}
