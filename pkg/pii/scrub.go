// Package pii 对聊天文本做个人信息脱敏，并做简单的提示词注入检查。
package pii

import (
	"regexp"
	"strings"
)

const (
	EmailPlaceholder = "[EMAIL_REDACTED]"
	PhonePlaceholder = "[PHONE_REDACTED]"
	CardPlaceholder  = "[CC_REDACTED]"
	IPPlaceholder    = "[IP_REDACTED]"
)

var (
	emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	// 卡号必须先于电话替换，否则 16 位数字会被电话规则截走一部分
	cardRe  = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b|\b\d{13,16}\b`)
	phoneRe = regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ipv4Re  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

var injectionKeywords = []string{
	"ignore all previous instructions",
	"ignore previous instructions",
	"system override",
	"delete database",
	"drop table",
	"you are now",
	"bypass security",
}

// Scrub 用占位符替换邮箱、卡号、IPv4 地址和电话号码。
func Scrub(text string) string {
	if text == "" {
		return ""
	}
	out := emailRe.ReplaceAllString(text, EmailPlaceholder)
	out = ipv4Re.ReplaceAllString(out, IPPlaceholder)
	out = cardRe.ReplaceAllString(out, CardPlaceholder)
	out = phoneRe.ReplaceAllString(out, PhonePlaceholder)
	return out
}

// CheckInjection 返回文本是否安全，以及命中的原因。
func CheckInjection(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, kw := range injectionKeywords {
		if strings.Contains(lower, kw) {
			return false, "malicious keyword detected: '" + kw + "'"
		}
	}
	return true, ""
}
