package disputes

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ReasonCode describes why a pre-order is contested
type ReasonCode struct {
	Code             string     `json:"code"`
	Description      string     `json:"description"`
	Category         string     `json:"category"`
	RaisedBy         string     `json:"raised_by"`
	RequiresEvidence bool       `json:"requires_evidence"`
	SuggestedOutcome Resolution `json:"suggested_outcome"`
}

// ReasonCodes is the catalogue of dispute reasons accepted for pre-orders
var ReasonCodes = map[string]ReasonCode{
	"not_delivered":     {Code: "not_delivered", Description: "Goods not delivered after the event date", Category: "Fulfilment", RaisedBy: "buyer", RequiresEvidence: false, SuggestedOutcome: ResolutionRefundBuyer},
	"late_delivery":     {Code: "late_delivery", Description: "Goods delivered well after the promised window", Category: "Fulfilment", RaisedBy: "buyer", RequiresEvidence: true, SuggestedOutcome: ResolutionSplit},
	"quantity_short":    {Code: "quantity_short", Description: "Delivered quantity below the ordered quantity", Category: "Fulfilment", RaisedBy: "buyer", RequiresEvidence: true, SuggestedOutcome: ResolutionSplit},
	"quality_issue":     {Code: "quality_issue", Description: "Goods spoiled, damaged or below the advertised grade", Category: "Quality", RaisedBy: "buyer", RequiresEvidence: true, SuggestedOutcome: ResolutionSplit},
	"wrong_item":        {Code: "wrong_item", Description: "Goods differ from the pre-ordered product", Category: "Quality", RaisedBy: "buyer", RequiresEvidence: true, SuggestedOutcome: ResolutionRefundBuyer},
	"harvest_failed":    {Code: "harvest_failed", Description: "Seller reports the harvest or production failed", Category: "Seller", RaisedBy: "seller", RequiresEvidence: true, SuggestedOutcome: ResolutionRefundBuyer},
	"buyer_unreachable": {Code: "buyer_unreachable", Description: "Seller could not complete delivery to the buyer", Category: "Seller", RaisedBy: "seller", RequiresEvidence: true, SuggestedOutcome: ResolutionReleaseToSeller},
	"payment_reversed":  {Code: "payment_reversed", Description: "Gateway reports a reversed or contested payment", Category: "Payment", RaisedBy: "platform", RequiresEvidence: false, SuggestedOutcome: ResolutionRefundBuyer},
	"other":             {Code: "other", Description: "Other reason, see free text", Category: "Other", RaisedBy: "any", RequiresEvidence: false, SuggestedOutcome: ResolutionSplit},
}

// ValidateReasonCode validates a dispute reason code
func ValidateReasonCode(code string) (*ReasonCode, error) {
	if code == "" {
		return nil, fmt.Errorf("reason code is required")
	}
	rc, ok := ReasonCodes[code]
	if !ok {
		return nil, fmt.Errorf("unknown reason code %q", code)
	}
	return &rc, nil
}

// GetReasonCodesByCategory returns the reason codes of one category, sorted by code
func GetReasonCodesByCategory(category string) []ReasonCode {
	var out []ReasonCode
	for _, rc := range ReasonCodes {
		if strings.EqualFold(rc.Category, category) {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

var digitRE = regexp.MustCompile(`\d`)

// MaskPII masks personally identifiable information in dispute metadata
// before it is persisted or logged.
func MaskPII(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	masked := make(map[string]any, len(data))
	for key, value := range data {
		str, isString := value.(string)
		switch key {
		case "email":
			masked[key] = "***@***"
			if isString {
				if local, domain, ok := strings.Cut(str, "@"); ok {
					if local != "" {
						masked[key] = local[:1] + "***@" + domain
					} else {
						masked[key] = "***@" + domain
					}
				}
			}
		case "phone", "phone_number":
			masked[key] = "***-***-****"
			if isString {
				digits := digitRE.FindAllString(str, -1)
				if len(digits) >= 4 {
					masked[key] = "***-***-" + strings.Join(digits[len(digits)-4:], "")
				}
			}
		case "address", "delivery_address":
			masked[key] = "***, ***"
			if isString {
				// Keep only the last address component, usually the province
				parts := strings.Split(str, ",")
				if len(parts) >= 2 {
					masked[key] = "***, " + strings.TrimSpace(parts[len(parts)-1])
				}
			}
		case "bank_account", "account_number", "national_id":
			masked[key] = "****"
			if isString && len(str) > 4 {
				masked[key] = "****" + str[len(str)-4:]
			}
		case "full_name", "buyer_name", "recipient":
			masked[key] = "********"
			if isString {
				if parts := strings.Fields(str); len(parts) >= 2 {
					masked[key] = parts[0] + " *** " + parts[len(parts)-1][:1] + "."
				}
			}
		default:
			masked[key] = value
		}
	}
	return masked
}
