package chat

import (
	"strconv"
	"strings"
)

// OrderInquiry asks the desk for help with an invoice.
type OrderInquiry struct {
	InvoiceID string
	Receiver  string
	Phone     string
	Product   string
	Total     int64
}

func (o OrderInquiry) Text() string {
	var b strings.Builder
	b.WriteString("Yêu cầu hỗ trợ đơn hàng:")
	line(&b, "Mã đơn hàng", o.InvoiceID)
	line(&b, "Tên người nhận", o.Receiver)
	line(&b, "Liên hệ", o.Phone)
	line(&b, "Sản phẩm", orNA(o.Product))
	line(&b, "Tổng tiền", FormatVND(o.Total))
	return b.String()
}

// ProductInquiry asks the desk for advice on a product.
type ProductInquiry struct {
	ProductID string
	Name      string
	Material  string
	Price     int64
	Phone     string
}

func (p ProductInquiry) Text() string {
	var b strings.Builder
	b.WriteString("Yêu cầu tư vấn sản phẩm:")
	line(&b, "Mã sản phẩm", p.ProductID)
	line(&b, "Tên sản phẩm", p.Name)
	line(&b, "Chất liệu", orNA(p.Material))
	line(&b, "Giá", FormatVND(p.Price))
	line(&b, "Liên hệ", orNA(p.Phone))
	return b.String()
}

func line(b *strings.Builder, label, value string) {
	b.WriteString("\n- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
}

func orNA(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "N/A"
	}
	return s
}

// FormatVND renders an amount in dong with vi-VN digit grouping, e.g. ₫1.250.000.
func FormatVND(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return sign + "₫" + b.String()
}
