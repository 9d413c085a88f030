package capital

// DefaultSector is returned for symbols missing from the sector map.
const DefaultSector = "Other"

// sectorMap maps NSE symbols to sectors for sector-exposure enforcement.
var sectorMap = map[string]string{
	// Banking & Finance
	"HDFCBANK": "Banking", "ICICIBANK": "Banking", "KOTAKBANK": "Banking",
	"AXISBANK": "Banking", "SBIN": "Banking", "BAJFINANCE": "Banking",
	"BAJAJFINSV": "Banking", "HDFCLIFE": "Banking", "SBILIFE": "Banking",
	"INDUSINDBK": "Banking", "BANDHANBNK": "Banking", "FEDERALBNK": "Banking",
	"IDFCFIRSTB": "Banking", "PNB": "Banking", "CANBK": "Banking",
	"LICI": "Banking",

	// IT
	"TCS": "IT", "INFY": "IT", "HCLTECH": "IT", "WIPRO": "IT",
	"TECHM": "IT", "LTIM": "IT", "PERSISTENT": "IT", "COFORGE": "IT",

	// Auto
	"MARUTI": "Auto", "M&M": "Auto", "TATAMOTORS": "Auto",
	"BAJAJ-AUTO": "Auto", "EICHERMOT": "Auto", "HEROMOTOCO": "Auto",
	"TVSMOTOR": "Auto", "ASHOKLEY": "Auto",

	// Metals
	"TATASTEEL": "Metals", "HINDALCO": "Metals", "JSWSTEEL": "Metals",
	"VEDL": "Metals", "NATIONALUM": "Metals", "HINDZINC": "Metals",

	// Pharma
	"SUNPHARMA": "Pharma", "DRREDDY": "Pharma", "CIPLA": "Pharma",
	"DIVISLAB": "Pharma", "AUROPHARMA": "Pharma", "TORNTPHARM": "Pharma",

	// FMCG
	"HINDUNILVR": "FMCG", "ITC": "FMCG", "NESTLEIND": "FMCG",
	"BRITANNIA": "FMCG", "DABUR": "FMCG", "MARICO": "FMCG",
	"GODREJCP": "FMCG", "TATACONSUM": "FMCG",

	// Energy
	"RELIANCE": "Energy", "ONGC": "Energy", "BPCL": "Energy",
	"IOC": "Energy", "GAIL": "Energy", "ADANIGREEN": "Energy",
	"COALINDIA": "Energy", "HINDPETRO": "Energy",

	// Cement & Construction
	"ULTRACEMCO": "Cement", "LT": "Cement", "GRASIM": "Cement",
	"AMBUJACEM": "Cement", "ACC": "Cement", "SIEMENS": "Cement",

	"BHARTIARTL": "Telecom",

	"INDIGO": "Services", "ZOMATO": "Services",
	"NYKAA": "Services", "DMART": "Services",

	"ADANIPORTS": "Infrastructure", "ADANIENT": "Infrastructure",
	"NTPC": "Power", "POWERGRID": "Power",

	"TITAN": "Consumer", "ASIANPAINT": "Consumer",
	"PIDILITIND": "Consumer", "BERGEPAINT": "Consumer",
	"HAVELLS": "Consumer", "VOLTAS": "Consumer",
}

// SectorOf returns the sector for symbol, consulting overrides first.
func SectorOf(symbol string, overrides map[string]string) string {
	if s, ok := overrides[symbol]; ok && s != "" {
		return s
	}
	if s, ok := sectorMap[symbol]; ok {
		return s
	}
	return DefaultSector
}
