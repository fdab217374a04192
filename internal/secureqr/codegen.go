package secureqr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	uniqueCodePattern = regexp.MustCompile(`^[A-Z]{2}-[A-Z]{2}-\d{4}-[0-9A-F]{8}$`)
	codeSegmentRegex  = regexp.MustCompile(`^[A-Z]{2}$`)
)

// CodeGenerator は PREFIX-REGION-YYYY-XXXXXXXX 形式の一意コードを生成する。
// 一意性は確率的なものであり、最終的な保証は永続化層の一意制約に任せる。
type CodeGenerator struct {
	prefix string
	region string
	now    func() time.Time
}

// NewCodeGenerator は新しいCodeGeneratorを生成する。prefix・regionは英大文字2文字。
func NewCodeGenerator(prefix, region string) (*CodeGenerator, error) {
	if !codeSegmentRegex.MatchString(prefix) {
		return nil, fmt.Errorf("invalid code prefix %q", prefix)
	}
	if !codeSegmentRegex.MatchString(region) {
		return nil, fmt.Errorf("invalid code region %q", region)
	}
	return &CodeGenerator{prefix: prefix, region: region, now: time.Now}, nil
}

// Generate は新しい一意コードを返す。
func (g *CodeGenerator) Generate() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// crypto/randが失敗する環境では安全な発行ができない
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%s-%s-%04d-%s", g.prefix, g.region, g.now().Year(), strings.ToUpper(hex.EncodeToString(b)))
}

// ValidUniqueCode は一意コードの形式が正しいかを返す。
func ValidUniqueCode(code string) bool {
	return uniqueCodePattern.MatchString(code)
}
