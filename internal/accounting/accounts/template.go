package accounts

// SwissSMETemplate is a condensed Swiss SME chart (Kontenrahmen KMU) with the
// accounts the default posting rules and payroll postings reference.
var SwissSMETemplate = []CreateInput{
	{Code: "1", Name: "Aktiven", Nature: NatureAsset, IsSystem: true},
	{Code: "10", Name: "Umlaufvermögen", Nature: NatureAsset, ParentCode: "1", IsSystem: true},
	{Code: "1000", Name: "Kasse", Nature: NatureAsset, ParentCode: "10"},
	{Code: "1020", Name: "Bankguthaben", Nature: NatureAsset, ParentCode: "10", IsSystem: true},
	{Code: "1100", Name: "Forderungen aus Lieferungen und Leistungen", Nature: NatureAsset, ParentCode: "10", IsSystem: true},
	{Code: "1170", Name: "Vorsteuer MWST", Nature: NatureAsset, ParentCode: "10"},
	{Code: "14", Name: "Anlagevermögen", Nature: NatureAsset, ParentCode: "1"},
	{Code: "1500", Name: "Maschinen und Apparate", Nature: NatureAsset, ParentCode: "14"},
	{Code: "1530", Name: "Fahrzeuge", Nature: NatureAsset, ParentCode: "14"},
	{Code: "2", Name: "Passiven", Nature: NatureLiability, IsSystem: true},
	{Code: "20", Name: "Kurzfristiges Fremdkapital", Nature: NatureLiability, ParentCode: "2", IsSystem: true},
	{Code: "2000", Name: "Verbindlichkeiten aus Lieferungen und Leistungen", Nature: NatureLiability, ParentCode: "20", IsSystem: true},
	{Code: "2200", Name: "Geschuldete MWST", Nature: NatureLiability, ParentCode: "20", IsSystem: true},
	{Code: "2270", Name: "Sozialversicherungen", Nature: NatureLiability, ParentCode: "20", IsSystem: true},
	{Code: "2271", Name: "Vorsorgeeinrichtungen (BVG)", Nature: NatureLiability, ParentCode: "20", IsSystem: true},
	{Code: "2279", Name: "Lohnverbindlichkeiten", Nature: NatureLiability, ParentCode: "20", IsSystem: true},
	{Code: "28", Name: "Eigenkapital", Nature: NatureLiability, ParentCode: "2"},
	{Code: "2800", Name: "Aktien-, Stamm- oder Gesellschaftskapital", Nature: NatureLiability, ParentCode: "28"},
	{Code: "3", Name: "Betrieblicher Ertrag", Nature: NatureRevenue, IsSystem: true},
	{Code: "3000", Name: "Dienstleistungsertrag", Nature: NatureRevenue, ParentCode: "3", IsSystem: true},
	{Code: "3200", Name: "Handelsertrag", Nature: NatureRevenue, ParentCode: "3"},
	{Code: "3800", Name: "Erlösminderungen", Nature: NatureRevenue, ParentCode: "3"},
	{Code: "5", Name: "Personalaufwand", Nature: NatureExpense, IsSystem: true},
	{Code: "5000", Name: "Lohnaufwand", Nature: NatureExpense, ParentCode: "5", IsSystem: true},
	{Code: "5700", Name: "Sozialversicherungsaufwand", Nature: NatureExpense, ParentCode: "5", IsSystem: true},
	{Code: "5720", Name: "Vorsorgeaufwand (BVG)", Nature: NatureExpense, ParentCode: "5", IsSystem: true},
	{Code: "5800", Name: "Übriger Personalaufwand", Nature: NatureExpense, ParentCode: "5"},
	{Code: "6", Name: "Übriger betrieblicher Aufwand", Nature: NatureExpense},
	{Code: "6000", Name: "Raumaufwand", Nature: NatureExpense, ParentCode: "6"},
	{Code: "6500", Name: "Verwaltungsaufwand", Nature: NatureExpense, ParentCode: "6"},
	{Code: "9", Name: "Abschluss", Nature: NatureMemo},
	{Code: "9100", Name: "Eröffnungsbilanz", Nature: NatureMemo, ParentCode: "9"},
}
