package record

// UserRecord is a dealer staff member.
type UserRecord struct {
	Envelope
	Name string `json:"name"`
}

func (r *UserRecord) Kind() EntityType   { return User }
func (r *UserRecord) NaturalKey() string { return NormalizeName(r.Name) }
func (r *UserRecord) Refs() []Ref        { return nil }

// AccountRecord is a financial account (cash box, bank account, ...).
type AccountRecord struct {
	Envelope
	AccountType string  `json:"account_type"`
	Balance     Decimal `json:"balance"`
}

func (r *AccountRecord) Kind() EntityType   { return Account }
func (r *AccountRecord) NaturalKey() string { return NormalizeAccountType(r.AccountType) }
func (r *AccountRecord) Refs() []Ref        { return nil }

// AccountTransactionRecord is a deposit or withdrawal on an account.
type AccountTransactionRecord struct {
	Envelope
	AccountID       string  `json:"account_id"`
	TransactionType string  `json:"transaction_type"`
	Amount          Decimal `json:"amount"`
	Date            string  `json:"date,omitempty"`
	Note            string  `json:"note,omitempty"`
}

func (r *AccountTransactionRecord) Kind() EntityType   { return AccountTransaction }
func (r *AccountTransactionRecord) NaturalKey() string { return "" }
func (r *AccountTransactionRecord) Refs() []Ref {
	return []Ref{{Field: "account_id", Target: Account, Required: true, ID: &r.AccountID}}
}

// VehicleRecord is a vehicle in stock or sold.
type VehicleRecord struct {
	Envelope
	VIN           string  `json:"vin"`
	Make          string  `json:"make,omitempty"`
	Model         string  `json:"model,omitempty"`
	Year          *int    `json:"year,omitempty"`
	PurchasePrice Decimal `json:"purchase_price,omitempty"`
	PurchaseDate  string  `json:"purchase_date,omitempty"`
	Status        string  `json:"status,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	SalePrice     Decimal `json:"sale_price,omitempty"`
	SaleDate      string  `json:"sale_date,omitempty"`
	PhotoURL      string  `json:"photo_url,omitempty"`
	AskingPrice   Decimal `json:"asking_price,omitempty"`
	ReportURL     string  `json:"report_url,omitempty"`
}

func (r *VehicleRecord) Kind() EntityType   { return Vehicle }
func (r *VehicleRecord) NaturalKey() string { return NormalizeVIN(r.VIN) }
func (r *VehicleRecord) Refs() []Ref        { return nil }

// TemplateRecord is a reusable expense template.
type TemplateRecord struct {
	Envelope
	Name               string  `json:"name"`
	Category           string  `json:"category,omitempty"`
	DefaultDescription string  `json:"default_description,omitempty"`
	DefaultAmount      Decimal `json:"default_amount,omitempty"`
}

func (r *TemplateRecord) Kind() EntityType   { return Template }
func (r *TemplateRecord) NaturalKey() string { return "" }
func (r *TemplateRecord) Refs() []Ref        { return nil }

// ExpenseRecord is money spent, optionally against a vehicle.
type ExpenseRecord struct {
	Envelope
	Amount      Decimal `json:"amount"`
	Date        string  `json:"date,omitempty"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	VehicleID   string  `json:"vehicle_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	AccountID   string  `json:"account_id,omitempty"`
}

func (r *ExpenseRecord) Kind() EntityType   { return Expense }
func (r *ExpenseRecord) NaturalKey() string { return "" }
func (r *ExpenseRecord) Refs() []Ref {
	return []Ref{
		{Field: "vehicle_id", Target: Vehicle, ID: &r.VehicleID},
		{Field: "user_id", Target: User, ID: &r.UserID},
		{Field: "account_id", Target: Account, ID: &r.AccountID},
	}
}

// SaleRecord is the sale of a vehicle.
type SaleRecord struct {
	Envelope
	VehicleID     string  `json:"vehicle_id"`
	Amount        Decimal `json:"amount,omitempty"`
	SalePrice     Decimal `json:"sale_price,omitempty"`
	Profit        Decimal `json:"profit,omitempty"`
	Date          string  `json:"date,omitempty"`
	BuyerName     string  `json:"buyer_name,omitempty"`
	BuyerPhone    string  `json:"buyer_phone,omitempty"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	AccountID     string  `json:"account_id,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

func (r *SaleRecord) Kind() EntityType   { return Sale }
func (r *SaleRecord) NaturalKey() string { return "" }
func (r *SaleRecord) Refs() []Ref {
	return []Ref{
		{Field: "vehicle_id", Target: Vehicle, Required: true, ID: &r.VehicleID},
		{Field: "account_id", Target: Account, ID: &r.AccountID},
	}
}

// DebtRecord is money owed to or by the dealer.
type DebtRecord struct {
	Envelope
	CounterpartyName  string  `json:"counterparty_name"`
	CounterpartyPhone string  `json:"counterparty_phone,omitempty"`
	Direction         string  `json:"direction"`
	Amount            Decimal `json:"amount"`
	Notes             string  `json:"notes,omitempty"`
	DueDate           string  `json:"due_date,omitempty"`
}

func (r *DebtRecord) Kind() EntityType   { return Debt }
func (r *DebtRecord) NaturalKey() string { return "" }
func (r *DebtRecord) Refs() []Ref        { return nil }

// DebtPaymentRecord is a partial or full payment against a debt.
type DebtPaymentRecord struct {
	Envelope
	DebtID        string  `json:"debt_id"`
	Amount        Decimal `json:"amount"`
	Date          string  `json:"date,omitempty"`
	Note          string  `json:"note,omitempty"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	AccountID     string  `json:"account_id,omitempty"`
}

func (r *DebtPaymentRecord) Kind() EntityType   { return DebtPayment }
func (r *DebtPaymentRecord) NaturalKey() string { return "" }
func (r *DebtPaymentRecord) Refs() []Ref {
	return []Ref{
		{Field: "debt_id", Target: Debt, Required: true, ID: &r.DebtID},
		{Field: "account_id", Target: Account, ID: &r.AccountID},
	}
}

// ClientRecord is a customer lead.
type ClientRecord struct {
	Envelope
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	Notes          string `json:"notes,omitempty"`
	RequestDetails string `json:"request_details,omitempty"`
	PreferredDate  string `json:"preferred_date,omitempty"`
	Status         string `json:"status,omitempty"`
	VehicleID      string `json:"vehicle_id,omitempty"`
}

func (r *ClientRecord) Kind() EntityType   { return Client }
func (r *ClientRecord) NaturalKey() string { return NormalizePhone(r.Phone) }
func (r *ClientRecord) Refs() []Ref {
	return []Ref{{Field: "vehicle_id", Target: Vehicle, ID: &r.VehicleID}}
}
