package supervisor

import "strings"

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

type BillDetails struct {
	BasePlan           string `json:"basePlan"`
	InternationalCalls string `json:"internationalCalls"`
	DataOverage        string `json:"dataOverage"`
	TaxesAndFees       string `json:"taxesAndFees"`
	Notes              string `json:"notes"`
}

type AccountInfo struct {
	AccountID         string      `json:"accountId"`
	Name              string      `json:"name"`
	Phone             string      `json:"phone"`
	Email             string      `json:"email"`
	Plan              string      `json:"plan"`
	BalanceDue        string      `json:"balanceDue"`
	LastBillDate      string      `json:"lastBillDate"`
	LastPaymentDate   string      `json:"lastPaymentDate"`
	LastPaymentAmount string      `json:"lastPaymentAmount"`
	Status            string      `json:"status"`
	Address           Address     `json:"address"`
	LastBillDetails   BillDetails `json:"lastBillDetails"`
}

type PolicyDocument struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

type StoreLocation struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	ZipCode string `json:"zip_code"`
	Phone   string `json:"phone"`
	Hours   string `json:"hours"`
}

// Dataset is the static, read-only backing data of the customer service tools.
type Dataset struct {
	Account  AccountInfo
	Policies []PolicyDocument
	Stores   []StoreLocation
}

// LookupPolicies returns documents whose topic or content contains topic,
// case-insensitively.
func (d Dataset) LookupPolicies(topic string) []PolicyDocument {
	needle := strings.ToLower(strings.TrimSpace(topic))
	out := []PolicyDocument{}
	for _, doc := range d.Policies {
		if strings.Contains(strings.ToLower(doc.Topic), needle) || strings.Contains(strings.ToLower(doc.Content), needle) {
			out = append(out, doc)
		}
	}
	return out
}

func (d Dataset) StoresByZip(zip string) []StoreLocation {
	zip = strings.TrimSpace(zip)
	out := []StoreLocation{}
	for _, s := range d.Stores {
		if s.ZipCode == zip {
			out = append(out, s)
		}
	}
	return out
}

func NewTelcoDataset() Dataset {
	return Dataset{
		Account: AccountInfo{
			AccountID:         "NT-123456",
			Name:              "Alex Johnson",
			Phone:             "+1-206-135-1246",
			Email:             "alex.johnson@email.com",
			Plan:              "Unlimited Plus",
			BalanceDue:        "$42.17",
			LastBillDate:      "2024-05-15",
			LastPaymentDate:   "2024-05-20",
			LastPaymentAmount: "$42.17",
			Status:            "Active",
			Address: Address{
				Street: "1234 Pine St",
				City:   "Seattle",
				State:  "WA",
				Zip:    "98101",
			},
			LastBillDetails: BillDetails{
				BasePlan:           "$30.00",
				InternationalCalls: "$8.00",
				DataOverage:        "$4.00",
				TaxesAndFees:       "$0.17",
				Notes:              "Higher than usual due to international calls and data overage.",
			},
		},
		Policies: []PolicyDocument{
			{
				ID:      "ID-010",
				Name:    "Family Plan Policy",
				Topic:   "family plan options",
				Content: "The family plan allows up to 5 lines per account. All lines share a single data pool. Each additional line after the first receives a 10% discount. All lines must be on the same account.",
			},
			{
				ID:      "ID-020",
				Name:    "Promotions and Discounts Policy",
				Topic:   "promotions and discounts",
				Content: "The Summer Unlimited Data Sale provides a 20% discount on the Unlimited Plus plan for the first 6 months for new activations completed by July 31, 2024. The Refer-a-Friend Bonus provides a $50 bill credit to both the referring customer and the new customer after 60 days of active service, for activations by August 31, 2024. A maximum of 5 referral credits may be earned per account. Discounts cannot be combined with other offers.",
			},
			{
				ID:      "ID-030",
				Name:    "International Plans Policy",
				Topic:   "international plans",
				Content: "International plans are available and include discounted calling, texting, and data usage in over 100 countries.",
			},
			{
				ID:      "ID-040",
				Name:    "Handset Offers Policy",
				Topic:   "new handsets",
				Content: "Handsets from brands such as iPhone and Google are available. The iPhone 16 is $200 and the Google Pixel 8 is available for $0, both with an additional 18-month commitment. These offers are valid while supplies last and may require eligible plans or trade-ins. For more details, visit one of our stores.",
			},
		},
		Stores: []StoreLocation{
			{
				Name:    "NewTelco San Francisco Downtown Store",
				Address: "1 Market St, San Francisco, CA",
				ZipCode: "94105",
				Phone:   "(415) 555-1001",
				Hours:   "Mon-Sat 10am-7pm, Sun 11am-5pm",
			},
			{
				Name:    "NewTelco New York City Midtown Store",
				Address: "350 5th Ave, New York, NY",
				ZipCode: "10118",
				Phone:   "(212) 555-7007",
				Hours:   "Mon-Sat 9am-8pm, Sun 10am-6pm",
			},
		},
	}
}
