package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 价格比较方向
type Direction int

const (
	// DirectionBelow 价格跌破阈值
	DirectionBelow Direction = -1
	// DirectionEqual 价格等于阈值（只存储，不参与穿越匹配）
	DirectionEqual Direction = 0
	// DirectionAbove 价格突破阈值
	DirectionAbove Direction = 1
)

// ParseDirection 解析方向名称或数字代码（ABOVE/BELOW/EQUAL 或 1/-1/0）
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ABOVE", "1":
		return DirectionAbove, nil
	case "BELOW", "-1":
		return DirectionBelow, nil
	case "EQUAL", "0":
		return DirectionEqual, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidAlert, s)
	}
}

// Valid 是否为已定义的方向
func (d Direction) Valid() bool {
	return d >= DirectionBelow && d <= DirectionAbove
}

// Code 索引 key 中使用的方向代码
func (d Direction) Code() string {
	return strconv.Itoa(int(d))
}

func (d Direction) String() string {
	switch d {
	case DirectionAbove:
		return "ABOVE"
	case DirectionBelow:
		return "BELOW"
	case DirectionEqual:
		return "EQUAL"
	default:
		return "Direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// MarshalJSON 输出方向名称
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON 同时接受名称字符串与 -1/0/1 数字
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("%w: direction must be a name or -1, 0, 1", ErrInvalidAlert)
		}
		s = strconv.Itoa(n)
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AlertKey 告警的业务主键 (asset, direction, threshold)
type AlertKey struct {
	Asset     string          `json:"asset"`
	Direction Direction       `json:"direction"`
	Threshold decimal.Decimal `json:"threshold"`
}

// NewAlertKey 校验并规范化告警主键
func NewAlertKey(asset string, direction Direction, threshold decimal.Decimal) (AlertKey, error) {
	asset = NormalizeAsset(asset)
	if asset == "" {
		return AlertKey{}, fmt.Errorf("%w: asset is required", ErrInvalidAlert)
	}
	if strings.Contains(asset, ":") {
		return AlertKey{}, fmt.Errorf("%w: asset must not contain ':'", ErrInvalidAlert)
	}
	if !direction.Valid() {
		return AlertKey{}, fmt.Errorf("%w: direction must be -1, 0 or 1", ErrInvalidAlert)
	}
	if !threshold.IsPositive() {
		return AlertKey{}, fmt.Errorf("%w: threshold must be greater than zero", ErrInvalidAlert)
	}
	return AlertKey{Asset: asset, Direction: direction, Threshold: threshold}, nil
}

// IndexKey 规则索引分区 key
func (k AlertKey) IndexKey() string {
	return IndexKey(k.Asset, k.Direction)
}

// CanonicalThreshold 阈值的规范字符串
func (k AlertKey) CanonicalThreshold() string {
	return FormatDecimal(k.Threshold)
}

func (k AlertKey) String() string {
	return k.Asset + " " + k.Direction.String() + " " + k.CanonicalThreshold()
}

// Alert 告警实体，订阅者集合为空时不应持久化
type Alert struct {
	ID          uint64
	Key         AlertKey
	Version     int64
	Subscribers []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasSubscriber 用户是否已订阅
func (a *Alert) HasSubscriber(userID string) bool {
	return slices.Contains(a.Subscribers, userID)
}

// AddSubscriber 加入订阅者，已存在时返回 false
func (a *Alert) AddSubscriber(userID string) bool {
	if a.HasSubscriber(userID) {
		return false
	}
	a.Subscribers = append(a.Subscribers, userID)
	return true
}

// RemoveSubscriber 移除订阅者，不存在时返回 false
func (a *Alert) RemoveSubscriber(userID string) bool {
	i := slices.Index(a.Subscribers, userID)
	if i < 0 {
		return false
	}
	a.Subscribers = slices.Delete(a.Subscribers, i, i+1)
	return true
}

// Empty 订阅者集合是否为空
func (a *Alert) Empty() bool {
	return len(a.Subscribers) == 0
}

// IndexEntries 该告警对应的全部规则索引条目
func (a *Alert) IndexEntries() []IndexEntry {
	entries := make([]IndexEntry, 0, len(a.Subscribers))
	for _, userID := range a.Subscribers {
		entries = append(entries, NewIndexEntry(a.Key, userID))
	}
	return entries
}
