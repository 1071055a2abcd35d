package attr

import "strings"

// Canonical confidence thresholds shared by the matcher and the state manager.
const (
	// SkipThreshold is the inclusive lower bound at which a field is
	// considered resolved and its question is skipped.
	SkipThreshold = 0.85
	// ConfirmThreshold is the inclusive lower bound at which a field gets a
	// yes/no confirmation instead of the open question.
	ConfirmThreshold = 0.6
	// ExplicitConfidence is the confidence of anything the user stated.
	ExplicitConfidence = 1.0
)

// Disposition tells the conversation driver what to do with a field.
type Disposition int

const (
	// Unknown: ask the original open question.
	Unknown Disposition = iota
	// Confirm: ask a yes/no confirmation of the inferred value.
	Confirm
	// Skip: do not ask again.
	Skip
)

// Classify maps a confidence onto a Disposition.
func Classify(confidence float64) Disposition {
	switch {
	case confidence >= SkipThreshold:
		return Skip
	case confidence >= ConfirmThreshold:
		return Confirm
	default:
		return Unknown
	}
}

var labels = map[string]string{
	"city":               "所在城市",
	"industry":           "行业",
	"occupation":         "职业",
	"occupationCategory": "职业类别",
	"company":            "公司",
	"gender":             "性别",
	"lifeStage":          "人生阶段",
	"relationshipStatus": "情感状态",
	"hasPet":             "是否养宠物",
	"hasChildren":        "是否有孩子",
	"interests":          "兴趣爱好",
	"birthYear":          "出生年份",
	"education":          "学历",
}

var confirmTemplates = map[string]string{
	"city":               "你现在是在{value}生活吧？",
	"industry":           "听起来你是{value}行业的，对吗？",
	"occupation":         "你的工作是{value}，我理解得对吗？",
	"occupationCategory": "你的工作偏{value}方向，对吗？",
	"company":            "你是在{value}工作吗？",
	"gender":             "方便确认一下，你是{value}生吗？",
	"lifeStage":          "你目前处在{value}阶段，对吧？",
	"relationshipStatus": "你现在是{value}状态，对吗？",
	"hasPet":             "你家里有养宠物，对吧？",
	"hasChildren":        "你已经有孩子了，对吗？",
	"interests":          "你平时喜欢{value}，没说错吧？",
	"birthYear":          "你是{value}年出生的吗？",
	"education":          "你的学历是{value}，对吗？",
}

// negativeTemplates phrase boolean fields whose inferred value is false.
var negativeTemplates = map[string]string{
	"hasPet":      "你目前没有养宠物，对吧？",
	"hasChildren": "你还没有孩子，对吗？",
}

const defaultConfirmTemplate = "关于{field}，我理解是{value}，对吗？"

// Label returns a human-readable name for a field, or the field itself.
func Label(field string) string {
	if l, ok := labels[field]; ok {
		return l
	}
	return field
}

// ConfirmTemplate returns the yes/no phrasing used for a field.
func ConfirmTemplate(field string) string {
	if t, ok := confirmTemplates[field]; ok {
		return t
	}
	return strings.ReplaceAll(defaultConfirmTemplate, "{field}", Label(field))
}

// NewConfirmQuestion builds the confirm question for field and value. A
// false boolean uses the field's negative phrasing when it has one.
func NewConfirmQuestion(field string, v Value) ConfirmQuestion {
	tmpl := ConfirmTemplate(field)
	if v.Kind() == KindBool && !v.Bool() {
		if neg, ok := negativeTemplates[field]; ok {
			tmpl = neg
		}
	}
	return ConfirmQuestion{Field: field, Template: tmpl, InferredValue: v}
}

func render(template string, v Value) string {
	return strings.ReplaceAll(template, "{value}", v.String())
}
