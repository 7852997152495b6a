package model

type Address struct {
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone,omitempty"`
}

type Payment struct {
	Holder   string `json:"holder" validate:"required"`
	Number   string `json:"number" validate:"required,numeric,min=12,max=19"`
	ExpMonth int    `json:"expMonth" validate:"required,min=1,max=12"`
	ExpYear  int    `json:"expYear" validate:"required,min=2000"`
	CVV      string `json:"cvv" validate:"required,numeric,min=3,max=4"`
}

type Profile struct {
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email" validate:"required,email"`
	Shipping Address  `json:"shipping"`
	Billing  *Address `json:"billing,omitempty"`
	Payment  Payment  `json:"payment"`
}

// BillingAddress falls back to the shipping address.
func (p Profile) BillingAddress() Address {
	if p.Billing != nil {
		return *p.Billing
	}
	return p.Shipping
}
