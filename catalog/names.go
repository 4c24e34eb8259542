package catalog

// serviceNames maps service codes onto the display names indexed on offer
// documents. Codes without an entry index as themselves.
var serviceNames = map[string]string{
	"tg": "Telegram",
	"wa": "WhatsApp",
	"go": "Google",
	"ig": "Instagram",
	"fb": "Facebook",
	"tw": "Twitter",
	"vi": "Viber",
	"ds": "Discord",
	"dr": "OpenAI",
	"lf": "TikTok",
	"ub": "Uber",
	"am": "Amazon",
	"mm": "Microsoft",
	"nf": "Netflix",
	"ts": "PayPal",
	"mt": "Steam",
	"vk": "VKontakte",
	"wb": "WeChat",
	"mb": "Yahoo",
}

// countryNames maps the numeric destination codes of the sms-activate
// protocol family onto display names.
var countryNames = map[string]string{
	"0":  "Russia",
	"1":  "Ukraine",
	"2":  "Kazakhstan",
	"3":  "China",
	"4":  "Philippines",
	"5":  "Myanmar",
	"6":  "Indonesia",
	"7":  "Malaysia",
	"8":  "Kenya",
	"9":  "Tanzania",
	"10": "Vietnam",
	"11": "Kyrgyzstan",
	"12": "USA",
	"13": "Israel",
	"14": "Hong Kong",
	"15": "Poland",
	"16": "United Kingdom",
	"17": "Madagascar",
	"18": "Congo",
	"19": "Nigeria",
	"20": "Macau",
	"21": "Egypt",
	"22": "India",
}

// ServiceNameFor returns the display name for a service code, or the code
// itself when unknown.
func ServiceNameFor(code string) string {
	if name, ok := serviceNames[code]; ok {
		return name
	}
	return code
}

// CountryNameFor returns the display name for a country code, or the code
// itself when unknown.
func CountryNameFor(code string) string {
	if name, ok := countryNames[code]; ok {
		return name
	}
	return code
}
